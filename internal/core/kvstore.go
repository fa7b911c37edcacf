package core

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by KVStore.Get when the key has never been
// written or has been deleted.
var ErrKeyNotFound = errors.New("key not found")

// KVStore defines the interface for the local persistent key-value store.
// The engine keeps its queues under a handful of fixed keys, each holding a
// JSON document, so implementations only need plain string values.
type KVStore interface {
	// Get retrieves a value by key from the store.
	// Returns ErrKeyNotFound (possibly wrapped) if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes a key from the store. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close closes the connection to the store and releases resources.
	Close() error
}

// Pinger is implemented by stores and backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
