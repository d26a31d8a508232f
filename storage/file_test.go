package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "https://cdn.example.com")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "audio/2024/03/a.mp3", []byte("data"), "audio/mpeg", true)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/audio/2024/03/a.mp3", url)

	got, err := os.ReadFile(filepath.Join(dir, "audio", "2024", "03", "a.mp3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	require.NoError(t, store.Ping(context.Background()))
}

func TestFileStoreURLWithoutBase(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	require.NoError(t, err)

	url := store.URL("x/y.txt")
	assert.True(t, strings.HasPrefix(url, "file://"), url)
	assert.True(t, strings.HasSuffix(url, "/x/y.txt"), url)
}

func TestFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("", "")
	require.Error(t, err)
}

func TestFileStorePingMissingDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "blobs")
	store, err := NewFileStore(dir, "")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	require.Error(t, store.Ping(context.Background()))
}

func TestFileStoreCanceledContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Put(ctx, "k", []byte("d"), "text/plain", false)
	require.ErrorIs(t, err, context.Canceled)
}
