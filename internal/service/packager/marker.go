package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/dataset-packager/internal/logger"
)

// markerFilename marks that a packager run is in progress to avoid two
// instances rebuilding the same staging tree at once.
const markerFilename = "dataset-packager-marker.bin"

// isAnotherInstanceRunning reports whether a run marker left by a live
// packager process exists. A marker whose owner is gone is removed so a
// crashed run does not wedge future ones.
func (p *packager) isAnotherInstanceRunning(ctx context.Context) (bool, error) {
	_, err := p.fs.Stat(markerFilename)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("stat run marker: %w", err)
	}

	alive, err := isAnotherPackagerProcess()
	if err != nil {
		// Cannot tell, assume the marker is honest.
		return true, fmt.Errorf("list processes: %w", err)
	}

	if alive {
		return true, nil
	}

	logger.Info(ctx, "Removing stale run marker")

	if err = p.fs.Remove(markerFilename); err != nil {
		return false, fmt.Errorf("remove stale run marker: %w", err)
	}

	return false, nil
}

// createMarker writes the run marker for this instance.
func (p *packager) createMarker() error {
	marker, err := p.fs.Create(markerFilename)
	if err != nil {
		return err
	}

	return marker.Close()
}

// removeMarker deletes the run marker, logging instead of failing on cleanup problems.
func (p *packager) removeMarker(ctx context.Context) {
	if err := p.fs.Remove(markerFilename); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Unable to remove run marker", "error", err)
	}
}

// isAnotherPackagerProcess checks the process table for another packager executable.
func isAnotherPackagerProcess() (bool, error) {
	processes, err := ps.Processes()
	if err != nil {
		return false, err
	}

	thisProcessID := os.Getpid()

	for _, process := range processes {
		if process.Pid() == thisProcessID {
			continue
		}

		if process.Executable() == packagerExecutableName() {
			return true, nil
		}
	}

	return false, nil
}

// packagerExecutableName returns the platform-specific executable name.
func packagerExecutableName() string {
	name := "dataset-packager"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	return name
}
