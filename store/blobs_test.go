package store

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobWriteAndOpen(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	n, err := blobs.Write("solA", "d1", "photo.jpg", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	f, err := blobs.Open("solA", "d1", "photo.jpg")
	require.NoError(t, err)
	defer f.Close()

	data := make([]byte, 5)
	_, err = f.Read(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestBlobRemoveMissingIsNotError(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, blobs.Remove("solA", "d1", "never-written.jpg"))
}

func TestBlobCleanTempRemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	blobs, err := NewBlobStore(dir)
	require.NoError(t, err)

	_, err = blobs.Write("solA", "d1", "photo.jpg", strings.NewReader("data"))
	require.NoError(t, err)

	orphan := blobs.Path("solA", "d1", ".tmp-orphan")
	require.NoError(t, os.WriteFile(orphan, []byte("leftover"), 0600))

	require.NoError(t, blobs.CleanTemp())

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	f, err := blobs.Open("solA", "d1", "photo.jpg")
	require.NoError(t, err)
	f.Close()
}
