package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_ReplaceFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "nested", "latest.json")
	fsys := OSFileSystem{}

	require.NoError(t, ReplaceFile(fsys, name, []byte(`{"a":1}`), 0o644))
	require.NoError(t, ReplaceFile(fsys, name, []byte(`{"a":2}`), 0o644))

	data, err := fsys.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	_, err = os.Stat(name + ".tmp")
	assert.True(t, errors.Is(err, fs.ErrNotExist), "temporary file must not remain")
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	require.NoError(t, mfs.WriteFile("/test.txt", testData, 0644))

	data, err := mfs.ReadFile("/test.txt")
	require.NoError(t, err)
	assert.Equal(t, testData, data)

	testData[0] = 'j'
	data, err = mfs.ReadFile("/test.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(data), "stored bytes are a copy")
}

func TestMemoryFileSystem_ReplaceFile(t *testing.T) {
	mfs := NewMemoryFileSystem()

	require.NoError(t, ReplaceFile(mfs, "/var/lib/underpass/latest.json", []byte("one"), 0o644))
	require.NoError(t, ReplaceFile(mfs, "/var/lib/underpass/latest.json", []byte("two"), 0o644))

	data, err := mfs.ReadFile("/var/lib/underpass/latest.json")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	assert.Equal(t, []string{"/var/lib/underpass/latest.json"}, mfs.Files())

	assert.True(t, mfs.IsDir("/var/lib"))
	assert.True(t, mfs.IsDir("/var/lib/underpass"))
}

func TestMemoryFileSystem_FailWrites(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/latest.json", []byte("old"), 0o644))

	mfs.FailWrites = errors.New("disk full")
	err := ReplaceFile(mfs, "/latest.json", []byte("new"), 0o644)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	data, err := mfs.ReadFile("/latest.json")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data), "a failed write leaves the previous file")
}

func TestMemoryFileSystem_NotExist(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.ReadFile("/missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorIs(t, mfs.Remove("/missing"), fs.ErrNotExist)
	assert.ErrorIs(t, mfs.Rename("/missing", "/other"), fs.ErrNotExist)
}

func TestMemoryFileSystem_Remove(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/a/b", 0o755))
	require.NoError(t, mfs.WriteFile("/a/b/c", nil, 0o644))

	require.NoError(t, mfs.Remove("/a/b/c"))
	require.NoError(t, mfs.Remove("/a/b"))
	assert.Empty(t, mfs.Files())
}
