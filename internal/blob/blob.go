// Package blob stores opaque binary objects under slash-separated keys.
package blob

import (
	"context"
	"time"
)

// Store is the filesystem-like storage the asset cache writes to. Keys use
// forward slashes regardless of backend.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
	// Get returns a NotFound error when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Touch refreshes the last-access time of an existing key.
	Touch(ctx context.Context, key string) error
	LastAccess(ctx context.Context, key string) (time.Time, error)
	Delete(ctx context.Context, key string) error
}
