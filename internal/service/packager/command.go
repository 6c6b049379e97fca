package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/afero"

	"github.com/oshokin/dataset-packager/internal/archive"
	"github.com/oshokin/dataset-packager/internal/config"
	"github.com/oshokin/dataset-packager/internal/logger"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// ConfigPath is an optional path to layout settings. When set, the
	// effective settings are persisted there for the next run.
	ConfigPath string
}

// split describes one dataset partition and where its images move.
type split struct {
	// name is the partition label (train, valid or test).
	name string
	// source is the directory the images are copied from.
	source string
	// dest is the staging directory the images are copied to.
	dest string
}

// packager assembles the staging tree and produces the final archive.
// It is unexported—callers should use Run, which encapsulates setup and validation.
type packager struct {
	// fs is the filesystem all operations go through.
	fs afero.Fs
	// cfg holds the directory layout and naming conventions.
	cfg *config.Config
	// splits are the three dataset partitions in processing order.
	splits []split
}

// dataConfigRewrites maps the literal path declarations inside the dataset
// configuration to their staged counterparts. The substitution is a plain
// substring replace on purpose: only these exact lines are touched and
// anything else in the file passes through untouched.
var dataConfigRewrites = [...]struct{ old, new string }{
	{"train: train/images", "train: images/train/images"},
	{"val: valid/images", "val: images/valid/images"},
	{"test: test/images", "test: images/test/images"},
}

// errPackagerRunning indicates another packager instance owns the staging tree.
var errPackagerRunning = errors.New("another packager instance is running")

// Run executes the packaging workflow.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "dataset-packager")

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return err
	}

	pkg, err := newPackager(ctx, opts.ConfigPath, cfg)
	if err != nil {
		return fmt.Errorf("initialize packager: %w", err)
	}

	defer pkg.removeMarker(ctx)

	if err = pkg.Run(ctx); err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// newPackager creates a packager on the real filesystem, guarding against
// concurrent runs that would clobber the shared staging tree.
func newPackager(ctx context.Context, configFilename string, cfg *config.Config) (*packager, error) {
	pkg := newPackagerWithFs(afero.NewOsFs(), cfg)

	running, err := pkg.isAnotherInstanceRunning(ctx)
	if err != nil {
		return nil, err
	}

	if running {
		return nil, errPackagerRunning
	}

	if configFilename != "" {
		if err = config.Save(configFilename, cfg); err != nil {
			return nil, fmt.Errorf("save settings: %w", err)
		}
	}

	if err = pkg.createMarker(); err != nil {
		return nil, fmt.Errorf("create run marker: %w", err)
	}

	return pkg, nil
}

// newPackagerWithFs wires a packager to the provided filesystem.
func newPackagerWithFs(fs afero.Fs, cfg *config.Config) *packager {
	return &packager{
		fs:     fs,
		cfg:    cfg,
		splits: splitsFor(cfg),
	}
}

// splitsFor derives the three partition layouts from the configuration.
func splitsFor(cfg *config.Config) []split {
	names := []string{"train", "valid", "test"}
	splits := make([]split, 0, len(names))

	for _, name := range names {
		splits = append(splits, split{
			name:   name,
			source: filepath.Join(cfg.SourceRoot, name, "images"),
			dest:   filepath.Join(cfg.StagingDir, "images", name, "images"),
		})
	}

	return splits
}

// Run performs the sequential transformation: reset staging, expand the
// optional bundle, copy splits, stage the dataset configuration and weights,
// then archive everything and clean up.
func (p *packager) Run(ctx context.Context) error {
	if err := p.resetStaging(ctx); err != nil {
		return err
	}

	if err := p.extractBundle(ctx); err != nil {
		return err
	}

	if err := p.copySplits(ctx); err != nil {
		return err
	}

	if err := p.stageDataConfig(ctx); err != nil {
		return err
	}

	if err := p.stageWeights(ctx); err != nil {
		return err
	}

	if err := p.archiveStaging(ctx); err != nil {
		return err
	}

	p.printNextSteps()

	return nil
}

// resetStaging removes any previous staging tree and recreates the split directories.
// Reruns always start from a clean staging state.
func (p *packager) resetStaging(ctx context.Context) error {
	exists, err := afero.DirExists(p.fs, p.cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("check staging tree: %w", err)
	}

	if exists {
		logger.InfoKV(ctx, "Removing existing staging tree", "path", p.cfg.StagingDir)

		if err = p.fs.RemoveAll(p.cfg.StagingDir); err != nil {
			return fmt.Errorf("remove staging tree: %w", err)
		}
	}

	for _, s := range p.splits {
		if err = p.fs.MkdirAll(s.dest, archive.DefaultDirPermissions); err != nil {
			return fmt.Errorf("create staging directory %q: %w", s.dest, err)
		}
	}

	return nil
}

// extractBundle expands an optional compressed bundle of training images in
// place. It runs before the copy step so the extracted files are picked up.
func (p *packager) extractBundle(ctx context.Context) error {
	bundlePath := filepath.Join(p.cfg.SourceRoot, "train", p.cfg.BundleName)

	exists, err := afero.Exists(p.fs, bundlePath)
	if err != nil {
		return fmt.Errorf("check image bundle: %w", err)
	}

	if !exists {
		return nil
	}

	logger.InfoKV(ctx, "Extracting training image bundle", "path", bundlePath)

	entries, err := archive.Extract(p.fs, bundlePath, filepath.Join(p.cfg.SourceRoot, "train"))
	if err != nil {
		return fmt.Errorf("extract image bundle: %w", err)
	}

	logger.InfoKV(ctx, "Extracted training image bundle", "entries", entries)

	return nil
}

// copySplits copies matching images for every partition whose source exists.
// A missing partition is a warning, the remaining partitions still proceed.
func (p *packager) copySplits(ctx context.Context) error {
	for _, s := range p.splits {
		exists, err := afero.DirExists(p.fs, s.source)
		if err != nil {
			return fmt.Errorf("check split %q: %w", s.name, err)
		}

		if !exists {
			logger.WarnKV(ctx, "Split images directory not found", "split", s.name, "path", s.source)
			continue
		}

		copied, totalSize, err := p.copyImages(s)
		if err != nil {
			return fmt.Errorf("copy split %q: %w", s.name, err)
		}

		logger.InfoKV(ctx, "Copied split images",
			"split", s.name,
			"files", copied,
			"size", units.HumanSize(float64(totalSize)))
	}

	return nil
}

// copyImages copies every file matching the image pattern from the split
// source into its staging destination, returning file count and total bytes.
func (p *packager) copyImages(s split) (int, int64, error) {
	entries, err := afero.ReadDir(p.fs, s.source)
	if err != nil {
		return 0, 0, err
	}

	var (
		copied    int
		totalSize int64
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matched, matchErr := doublestar.Match(p.cfg.ImagePattern, entry.Name())
		if matchErr != nil {
			return copied, totalSize, matchErr
		}

		if !matched {
			continue
		}

		size, copyErr := p.copyFile(
			filepath.Join(s.source, entry.Name()),
			filepath.Join(s.dest, entry.Name()),
		)
		if copyErr != nil {
			return copied, totalSize, copyErr
		}

		copied++
		totalSize += size
	}

	return copied, totalSize, nil
}

// copyFile copies a single file and carries the source modification time over.
func (p *packager) copyFile(sourcePath, destPath string) (int64, error) {
	info, err := p.fs.Stat(sourcePath)
	if err != nil {
		return 0, err
	}

	source, err := p.fs.Open(sourcePath)
	if err != nil {
		return 0, err
	}

	// Best-effort cleanup, copy errors are reported below.
	defer func() {
		_ = source.Close()
	}()

	destination, err := p.fs.Create(destPath)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(destination, source)
	if err != nil {
		_ = destination.Close()

		return written, err
	}

	if err = destination.Close(); err != nil {
		return written, err
	}

	if err = p.fs.Chtimes(destPath, info.ModTime(), info.ModTime()); err != nil {
		return written, err
	}

	return written, nil
}

// stageDataConfig copies the dataset configuration into the staging root and
// rewrites its path declarations for the staged layout. A missing file is
// reported but does not stop the run—the archive will simply lack it.
func (p *packager) stageDataConfig(ctx context.Context) error {
	sourcePath := filepath.Join(p.cfg.SourceRoot, p.cfg.DataConfigName)

	exists, err := afero.Exists(p.fs, sourcePath)
	if err != nil {
		return fmt.Errorf("check dataset configuration: %w", err)
	}

	if !exists {
		logger.ErrorKV(ctx, "Dataset configuration not found", "path", sourcePath)
		return nil
	}

	destPath := filepath.Join(p.cfg.StagingDir, p.cfg.DataConfigName)

	if _, err = p.copyFile(sourcePath, destPath); err != nil {
		return fmt.Errorf("copy dataset configuration: %w", err)
	}

	contents, err := afero.ReadFile(p.fs, destPath)
	if err != nil {
		return fmt.Errorf("read dataset configuration: %w", err)
	}

	text := string(contents)
	for _, rewrite := range dataConfigRewrites {
		if !strings.Contains(text, rewrite.old) {
			logger.DebugKV(ctx, "Path token not found in dataset configuration", "token", rewrite.old)
			continue
		}

		text = strings.ReplaceAll(text, rewrite.old, rewrite.new)
	}

	if err = afero.WriteFile(p.fs, destPath, []byte(text), config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write dataset configuration: %w", err)
	}

	logger.InfoKV(ctx, "Staged dataset configuration", "path", destPath)

	return nil
}

// stageWeights copies the optional model weights into the staging root.
// Absence is fine and not worth a warning.
func (p *packager) stageWeights(ctx context.Context) error {
	exists, err := afero.Exists(p.fs, p.cfg.WeightsFile)
	if err != nil {
		return fmt.Errorf("check model weights: %w", err)
	}

	if !exists {
		return nil
	}

	destPath := filepath.Join(p.cfg.StagingDir, filepath.Base(p.cfg.WeightsFile))

	if _, err = p.copyFile(p.cfg.WeightsFile, destPath); err != nil {
		return fmt.Errorf("copy model weights: %w", err)
	}

	logger.InfoKV(ctx, "Copied model weights", "file", p.cfg.WeightsFile)

	return nil
}

// archiveStaging compresses the staging tree into the output archive,
// removes the staging tree and reports the result.
func (p *packager) archiveStaging(ctx context.Context) error {
	logger.InfoKV(ctx, "Creating archive", "path", p.cfg.ArchiveName)

	entries, err := archive.Create(p.fs, p.cfg.StagingDir, p.cfg.ArchiveName)
	if err != nil {
		return err
	}

	// Staging is only an intermediate product, the archive is the deliverable.
	if err = p.fs.RemoveAll(p.cfg.StagingDir); err != nil {
		return fmt.Errorf("remove staging tree: %w", err)
	}

	info, err := p.fs.Stat(p.cfg.ArchiveName)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	logger.Infof(ctx, "Archive size: %.1f MB, %d entries",
		float64(info.Size())/(1<<20), entries)

	return nil
}

// printNextSteps prints upload guidance for the produced archive.
func (p *packager) printNextSteps() {
	header := color.New(color.FgGreen, color.Bold)
	_, _ = header.Printf("Success! %s is ready.\n", p.cfg.ArchiveName)

	fmt.Println("Next steps:")
	fmt.Printf("1. Upload %s to your Colab session\n", p.cfg.ArchiveName)
	fmt.Println("2. Use the manual upload path in the notebook")
	fmt.Println("3. Unpack the archive before starting training")
}
