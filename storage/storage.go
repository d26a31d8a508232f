// Package storage persists synthesized audio and submitted text as
// immutable blobs. Two implementations are provided: S3Store for
// S3-compatible object stores and FileStore for development and
// single-node deployments.
package storage

import "context"

// BlobStore writes objects and resolves their download URLs.
type BlobStore interface {
	// Put stores data under key and returns the object's URL.
	// publicRead requests a world-readable ACL where the backend
	// supports one.
	Put(ctx context.Context, key string, data []byte, contentType string, publicRead bool) (string, error)

	// URL returns the download URL for an existing key.
	URL(key string) string

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
