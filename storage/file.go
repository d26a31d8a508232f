package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Blob permissions keep rendered audio readable by the service user only.
const (
	blobDirPermissions  = 0750
	blobFilePermissions = 0600
)

// FileStore keeps blobs on the local filesystem under a root directory,
// mirroring the object key layout as subdirectories. URLs resolve against
// baseURL when set; otherwise a file:// URL is returned.
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file blob store: dir required")
	}
	if err := os.MkdirAll(dir, blobDirPermissions); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Put writes data under key, creating intermediate directories.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string, publicRead bool) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), blobDirPermissions); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, blobFilePermissions); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	return s.URL(key), nil
}

// URL maps a key to its serving URL.
func (s *FileStore) URL(key string) string {
	if s.baseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.dir, key))
	}
	return s.baseURL + "/" + key
}

// Ping checks the root directory is still present.
func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("blob directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob path %s is not a directory", s.dir)
	}
	return nil
}

var _ BlobStore = (*FileStore)(nil)
