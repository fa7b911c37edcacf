package kvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
)

// MemoryKVStore is a process-local store. Contents do not survive a restart;
// it is meant for tests and ephemeral sessions.
type MemoryKVStore struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

// NewMemoryKVStore creates an empty in-memory store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{data: make(map[string]string)}
}

// Get retrieves a value by key from the store.
func (m *MemoryKVStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", ErrStoreClosed
	}
	val, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}
	return val, nil
}

// Set stores a value under key.
func (m *MemoryKVStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.data[key] = value
	return nil
}

// Delete removes a key from the store.
func (m *MemoryKVStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.data, key)
	return nil
}

// Ping always succeeds while the store is open.
func (m *MemoryKVStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryKVStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// MemoryKVStoreFactory creates in-memory stores.
type MemoryKVStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *MemoryKVStoreFactory) Type() string {
	return "memory"
}

// Validate accepts any configuration.
func (f *MemoryKVStoreFactory) Validate(config registry.InternalStorageConfig) error {
	if config.Type != "memory" {
		return fmt.Errorf("invalid type for memory factory: %s", config.Type)
	}
	return nil
}

// Create creates a new in-memory store.
func (f *MemoryKVStoreFactory) Create(ctx context.Context, config registry.InternalStorageConfig) (core.KVStore, error) {
	return NewMemoryKVStore(), nil
}

func init() {
	RegisterFactory(&MemoryKVStoreFactory{})
}
