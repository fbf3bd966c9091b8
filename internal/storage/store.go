package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// KV is the raw key-value substrate the gateway persists through. Values are
// opaque bytes; there are no transactions across keys.
type KV interface {
	// Get returns ErrNotFound when key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany returns the values of the keys that exist; missing keys are
	// omitted from the result.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, keys ...string) error
	// List returns every key in the store.
	List(ctx context.Context) ([]string, error)
}

// Store represents the root storage backend.
type Store interface {
	KV
	Close() error
}
