package packager

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/dataset-packager/internal/config"
)

// newTestPackager returns a packager wired to an in-memory filesystem
// with the standard layout.
func newTestPackager() (*packager, afero.Fs) {
	fs := afero.NewMemMapFs()
	return newPackagerWithFs(fs, config.Default()), fs
}

// writeSourceImage places an image file into a split's source directory.
func writeSourceImage(t *testing.T, fs afero.Fs, split, name, contents string) {
	t.Helper()

	path := filepath.Join(config.DefaultSourceRoot, split, "images", name)
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0o644))
}

// writeDataConfig places a dataset configuration with the three standard path lines.
func writeDataConfig(t *testing.T, fs afero.Fs, extra string) {
	t.Helper()

	contents := "train: train/images\nval: valid/images\ntest: test/images\n" + extra
	path := filepath.Join(config.DefaultSourceRoot, config.DefaultDataConfigName)
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0o644))
}

// archiveContents reads the produced archive and returns entry name to content.
func archiveContents(t *testing.T, fs afero.Fs) map[string]string {
	t.Helper()

	raw, err := afero.ReadFile(fs, config.DefaultArchiveName)
	require.NoError(t, err)

	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	contents := make(map[string]string, len(reader.File))

	for _, entry := range reader.File {
		rc, openErr := entry.Open()
		require.NoError(t, openErr)

		data, readErr := io.ReadAll(rc)
		require.NoError(t, readErr)
		require.NoError(t, rc.Close())

		contents[entry.Name] = string(data)
	}

	return contents
}

// TestRunFullDataset packages a complete dataset and verifies the archive
// layout, entry count, image bytes and rewritten configuration.
func TestRunFullDataset(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	writeSourceImage(t, fs, "train", "a.jpg", "train-a")
	writeSourceImage(t, fs, "train", "b.jpg", "train-b")
	writeSourceImage(t, fs, "valid", "c.jpg", "valid-c")
	writeSourceImage(t, fs, "test", "d.jpg", "test-d")
	writeDataConfig(t, fs, "nc: 3\n")
	require.NoError(t, afero.WriteFile(fs, config.DefaultWeightsFile, []byte("weights"), 0o644))

	require.NoError(t, pkg.Run(context.Background()))

	contents := archiveContents(t, fs)
	// 4 images + data.yaml + weights.
	require.Len(t, contents, 6)

	require.Equal(t, "train-a", contents["colab_dataset/images/train/images/a.jpg"])
	require.Equal(t, "train-b", contents["colab_dataset/images/train/images/b.jpg"])
	require.Equal(t, "valid-c", contents["colab_dataset/images/valid/images/c.jpg"])
	require.Equal(t, "test-d", contents["colab_dataset/images/test/images/d.jpg"])
	require.Equal(t, "weights", contents["colab_dataset/yolov8m.pt"])

	dataConfig := contents["colab_dataset/data.yaml"]
	require.Contains(t, dataConfig, "train: images/train/images")
	require.Contains(t, dataConfig, "val: images/valid/images")
	require.Contains(t, dataConfig, "test: images/test/images")
	require.Contains(t, dataConfig, "nc: 3")
	require.NotContains(t, dataConfig, "train: train/images")
	require.NotContains(t, dataConfig, "val: valid/images")
	require.NotContains(t, dataConfig, "test: test/images")

	// Staging tree is gone after archiving.
	staged, err := afero.DirExists(fs, config.DefaultStagingDir)
	require.NoError(t, err)
	require.False(t, staged)
}

// TestRunMissingTrainSplit keeps going when one partition is absent.
func TestRunMissingTrainSplit(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	writeSourceImage(t, fs, "valid", "c.jpg", "valid-c")
	writeSourceImage(t, fs, "test", "d.jpg", "test-d")
	writeDataConfig(t, fs, "")

	require.NoError(t, pkg.Run(context.Background()))

	contents := archiveContents(t, fs)
	require.Len(t, contents, 3)
	require.Contains(t, contents, "colab_dataset/images/valid/images/c.jpg")
	require.Contains(t, contents, "colab_dataset/images/test/images/d.jpg")
}

// TestRunMissingDataConfig produces an archive without the configuration entry.
func TestRunMissingDataConfig(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	writeSourceImage(t, fs, "train", "a.jpg", "train-a")

	require.NoError(t, pkg.Run(context.Background()))

	contents := archiveContents(t, fs)
	require.Len(t, contents, 1)
	require.NotContains(t, contents, "colab_dataset/data.yaml")
}

// TestRunExtractsBundle expands images.zip next to the train images folder
// before the copy step picks the files up.
func TestRunExtractsBundle(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	var buf bytes.Buffer

	writer := zip.NewWriter(&buf)
	for name, contents := range map[string]string{
		"images/z1.jpg": "zipped-1",
		"images/z2.jpg": "zipped-2",
	} {
		entry, err := writer.Create(name)
		require.NoError(t, err)

		_, err = entry.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	bundlePath := filepath.Join(config.DefaultSourceRoot, "train", config.DefaultBundleName)
	require.NoError(t, afero.WriteFile(fs, bundlePath, buf.Bytes(), 0o644))
	writeDataConfig(t, fs, "")

	require.NoError(t, pkg.Run(context.Background()))

	contents := archiveContents(t, fs)
	require.Equal(t, "zipped-1", contents["colab_dataset/images/train/images/z1.jpg"])
	require.Equal(t, "zipped-2", contents["colab_dataset/images/train/images/z2.jpg"])
}

// TestRunFiltersNonImages only picks files matching the image pattern.
func TestRunFiltersNonImages(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	writeSourceImage(t, fs, "train", "a.jpg", "train-a")
	writeSourceImage(t, fs, "train", "labels.txt", "not an image")
	writeSourceImage(t, fs, "train", "b.png", "wrong format")

	require.NoError(t, pkg.Run(context.Background()))

	contents := archiveContents(t, fs)
	require.Len(t, contents, 1)
	require.Contains(t, contents, "colab_dataset/images/train/images/a.jpg")
}

// TestRunTwiceIsIdempotent reruns on an unchanged source and gets the same result.
func TestRunTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	writeSourceImage(t, fs, "train", "a.jpg", "train-a")
	writeDataConfig(t, fs, "")

	require.NoError(t, pkg.Run(context.Background()))
	first := archiveContents(t, fs)

	require.NoError(t, pkg.Run(context.Background()))
	second := archiveContents(t, fs)

	require.Equal(t, first, second)

	staged, err := afero.DirExists(fs, config.DefaultStagingDir)
	require.NoError(t, err)
	require.False(t, staged)
}

// TestRunLeavesUnknownTokensAlone preserves configuration lines that do not
// match the expected literals.
func TestRunLeavesUnknownTokensAlone(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	contents := "train: somewhere/else\nval: valid/images\ntest: test/images\n"
	path := filepath.Join(config.DefaultSourceRoot, config.DefaultDataConfigName)
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0o644))

	require.NoError(t, pkg.Run(context.Background()))

	archived := archiveContents(t, fs)
	dataConfig := archived["colab_dataset/data.yaml"]
	require.Contains(t, dataConfig, "train: somewhere/else")
	require.Contains(t, dataConfig, "val: images/valid/images")
	require.Contains(t, dataConfig, "test: images/test/images")
}

// TestStaleMarkerIsRecovered removes a marker whose owning process is gone.
func TestStaleMarkerIsRecovered(t *testing.T) {
	t.Parallel()

	pkg, fs := newTestPackager()

	require.NoError(t, pkg.createMarker())

	// No other packager process exists, so the marker is stale.
	running, err := pkg.isAnotherInstanceRunning(context.Background())
	require.NoError(t, err)
	require.False(t, running)

	exists, err := afero.Exists(fs, markerFilename)
	require.NoError(t, err)
	require.False(t, exists)
}
