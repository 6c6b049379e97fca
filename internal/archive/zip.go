package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// DefaultDirPermissions is applied to directories materialized during extraction.
const DefaultDirPermissions os.FileMode = 0o755

// errUnsafeEntryPath is returned when an archive entry would escape the target directory.
var errUnsafeEntryPath = errors.New("unsafe entry path")

// Create walks root and writes every regular file into a new deflate-compressed
// zip at archivePath. Entry names are relative to the parent of root, so the
// root directory's own name prefixes every entry. It returns the number of
// entries written.
func Create(fs afero.Fs, root, archivePath string) (int, error) {
	out, err := fs.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("create archive %q: %w", archivePath, err)
	}

	var (
		writer = zip.NewWriter(out)
		base   = filepath.Dir(filepath.Clean(root))
		count  int
	)

	err = afero.Walk(fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}

		header, headerErr := zip.FileInfoHeader(info)
		if headerErr != nil {
			return headerErr
		}

		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		entry, entryErr := writer.CreateHeader(header)
		if entryErr != nil {
			return entryErr
		}

		source, openErr := fs.Open(path)
		if openErr != nil {
			return openErr
		}

		// Best-effort cleanup, copy errors are reported below.
		defer func() {
			_ = source.Close()
		}()

		if _, copyErr := io.Copy(entry, source); copyErr != nil {
			return copyErr
		}

		count++

		return nil
	})
	if err != nil {
		_ = writer.Close()
		_ = out.Close()

		return count, fmt.Errorf("archive %q: %w", root, err)
	}

	if err = writer.Close(); err != nil {
		_ = out.Close()

		return count, fmt.Errorf("finalize archive %q: %w", archivePath, err)
	}

	if err = out.Close(); err != nil {
		return count, fmt.Errorf("close archive %q: %w", archivePath, err)
	}

	return count, nil
}

// Extract expands every entry of the zip at archivePath into destDir,
// creating missing directories along the way. It returns the number of
// file entries written.
func Extract(fs afero.Fs, archivePath, destDir string) (int, error) {
	reader, closeReader, err := openReader(fs, archivePath)
	if err != nil {
		return 0, err
	}

	defer closeReader()

	var count int

	for _, entry := range reader.File {
		if !filepath.IsLocal(filepath.FromSlash(entry.Name)) {
			return count, fmt.Errorf("%q: %w", entry.Name, errUnsafeEntryPath)
		}

		target := filepath.Join(destDir, filepath.FromSlash(entry.Name))

		if entry.FileInfo().IsDir() {
			if err = fs.MkdirAll(target, DefaultDirPermissions); err != nil {
				return count, fmt.Errorf("create directory %q: %w", target, err)
			}

			continue
		}

		if err = extractFile(fs, entry, target); err != nil {
			return count, err
		}

		count++
	}

	return count, nil
}

// Entries returns the number of file entries (directories excluded) in the zip at archivePath.
func Entries(fs afero.Fs, archivePath string) (int, error) {
	reader, closeReader, err := openReader(fs, archivePath)
	if err != nil {
		return 0, err
	}

	defer closeReader()

	var count int

	for _, entry := range reader.File {
		if !entry.FileInfo().IsDir() {
			count++
		}
	}

	return count, nil
}

// openReader opens the archive through the filesystem abstraction.
// The returned closer must be called once the reader is no longer needed.
func openReader(fs afero.Fs, archivePath string) (*zip.Reader, func(), error) {
	file, err := fs.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive %q: %w", archivePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, nil, fmt.Errorf("stat archive %q: %w", archivePath, err)
	}

	reader, err := zip.NewReader(file, info.Size())
	if err != nil {
		_ = file.Close()

		return nil, nil, fmt.Errorf("read archive %q: %w", archivePath, err)
	}

	return reader, func() { _ = file.Close() }, nil
}

// extractFile writes a single archive entry to target.
func extractFile(fs afero.Fs, entry *zip.File, target string) error {
	if err := fs.MkdirAll(filepath.Dir(target), DefaultDirPermissions); err != nil {
		return fmt.Errorf("create directory for %q: %w", target, err)
	}

	source, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %q: %w", entry.Name, err)
	}

	// Best-effort cleanup, copy errors are reported below.
	defer func() {
		_ = source.Close()
	}()

	destination, err := fs.Create(target)
	if err != nil {
		return fmt.Errorf("create %q: %w", target, err)
	}

	if _, err = io.Copy(destination, source); err != nil {
		_ = destination.Close()

		return fmt.Errorf("write %q: %w", target, err)
	}

	if err = destination.Close(); err != nil {
		return fmt.Errorf("close %q: %w", target, err)
	}

	return nil
}
