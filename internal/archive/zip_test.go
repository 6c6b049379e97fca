package archive

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// TestCreateAndExtractRoundtrip archives a small tree and unpacks it elsewhere,
// checking entry naming, compression method and byte-for-byte content.
func TestCreateAndExtractRoundtrip(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	files := map[string]string{
		"bundle/images/train/images/a.jpg": "jpeg-a",
		"bundle/images/valid/images/b.jpg": "jpeg-b",
		"bundle/data.yaml":                 "train: images/train/images\n",
	}
	for name, contents := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(contents), 0o644))
	}

	count, err := Create(fs, "bundle", "bundle.zip")
	require.NoError(t, err)
	require.Equal(t, len(files), count)

	// Entry names keep the archived directory as prefix and use deflate.
	raw, err := afero.ReadFile(fs, "bundle.zip")
	require.NoError(t, err)

	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	for _, entry := range reader.File {
		require.Contains(t, files, entry.Name)
		require.Equal(t, uint16(zip.Deflate), entry.Method)
	}

	// Entries agrees with what was written.
	entries, err := Entries(fs, "bundle.zip")
	require.NoError(t, err)
	require.Equal(t, len(files), entries)

	// Roundtrip preserves content.
	extracted, err := Extract(fs, "bundle.zip", "out")
	require.NoError(t, err)
	require.Equal(t, len(files), extracted)

	for name, contents := range files {
		got, readErr := afero.ReadFile(fs, filepath.Join("out", name))
		require.NoError(t, readErr)
		require.Equal(t, contents, string(got))
	}
}

// TestCreateMissingRoot surfaces walk errors for a nonexistent source.
func TestCreateMissingRoot(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	_, err := Create(fs, "nope", "out.zip")
	require.Error(t, err)
}

// TestExtractRejectsEscapingEntries guards against zip-slip style archives.
func TestExtractRejectsEscapingEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writer := zip.NewWriter(&buf)
	entry, err := writer.Create("../evil.txt")
	require.NoError(t, err)

	_, err = entry.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "evil.zip", buf.Bytes(), 0o644))

	_, err = Extract(fs, "evil.zip", "out")
	require.Error(t, err)

	// Nothing escaped.
	exists, err := afero.Exists(fs, "evil.txt")
	require.NoError(t, err)
	require.False(t, exists)
}
