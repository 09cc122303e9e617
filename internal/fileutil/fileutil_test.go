package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	nested := filepath.Join(base, "a", "b")
	require.NoError(t, EnsureDir(nested))
	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	require.NoError(t, EnsureDir(nested), "existing directory is fine")

	file := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	assert.Error(t, EnsureDir(file))
	assert.Error(t, EnsureDir(" "))
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "state.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed away")
}

func TestWithin(t *testing.T) {
	t.Parallel()

	assert.True(t, Within("/data/out", "/data/out/a.html"))
	assert.False(t, Within("/data/out", "/data/out/../secret"))
	assert.False(t, Within("/data/out", "/data/outside/a.html"))
}

func TestWriteFileExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "page.html")
	written, err := WriteFileExclusive(path, []byte("first"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = WriteFileExclusive(path, []byte("second"))
	require.NoError(t, err)
	assert.False(t, written)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}
