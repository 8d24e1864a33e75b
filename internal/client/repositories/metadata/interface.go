// Package metadata provides a small key/value store for client-side state
// owned by the sync core: the encryption key blob and the cached remote
// sync-status snapshots.
package metadata

import (
	"context"
)

type Repository interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
