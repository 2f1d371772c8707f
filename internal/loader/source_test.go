package loader

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecache/pkg/errors"
)

func TestNewDirSource(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	_, err := NewDirSource(filepath.Join(dir, "missing"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeSourceNotFound))

	_, err = NewDirSource(file)
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))

	source, err := NewDirSource(dir + "/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(dir), source.Root())
}

func TestDirSource_Open(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "x.jpg"), []byte("payload"), 0600))

	source, err := NewDirSource(dir)
	require.NoError(t, err)

	rc, err := source.Open("sub/x.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	_, err = source.Open("")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
	_, err = source.Open("sub/../../x.jpg")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
	_, err = source.Open("nope.jpg")
	assert.True(t, errors.HasCode(err, errors.ErrCodeSourceNotFound))
}

func TestDirSource_ListSkipsHidden(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a/c.png", ".hidden.png", ".git/config"} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	}

	source, err := NewDirSource(dir)
	require.NoError(t, err)

	ids, err := source.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a/c.png", "b.png"}, ids)
}
