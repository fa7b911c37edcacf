package kvstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
)

// KVStoreFactory is the Strategy interface for creating local store
// implementations. Each backend (bolt, sqlite, redis, ...) implements it and
// registers itself from init().
type KVStoreFactory interface {
	// Create creates a new store instance based on the provided configuration.
	Create(ctx context.Context, config registry.InternalStorageConfig) (core.KVStore, error)

	// Type returns the type identifier for this factory (e.g., "bolt", "redis").
	Type() string

	// Validate validates the configuration specific to this store type.
	Validate(config registry.InternalStorageConfig) error
}

var (
	// factoryRegistry stores all registered store factories.
	factoryRegistry = make(map[string]KVStoreFactory)

	// registryMutex protects the registry from concurrent access.
	registryMutex sync.RWMutex
)

// RegisterFactory registers a store factory together with a config validator
// that delegates to it.
func RegisterFactory(factory KVStoreFactory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := factoryRegistry[factory.Type()]; exists {
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}

	factoryRegistry[factory.Type()] = factory
	registry.RegisterStorageValidator(&storageValidator{factory: factory})
}

// Create creates a store instance using the factory registered for config.Type.
func Create(ctx context.Context, config registry.InternalStorageConfig) (core.KVStore, error) {
	if config.Type == "" {
		return nil, fmt.Errorf("storage type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[config.Type]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}

	if err := factory.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", config.Type, err)
	}

	return factory.Create(ctx, config)
}

// GetRegisteredTypes returns the registered store types in sorted order.
func GetRegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsTypeRegistered checks if a store type is registered.
func IsTypeRegistered(storeType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[storeType]
	return exists
}

// storageValidator adapts a factory to registry.ConfigValidator.
type storageValidator struct {
	factory KVStoreFactory
}

func (v *storageValidator) Type() string {
	return v.factory.Type()
}

func (v *storageValidator) Validate(config *registry.InternalConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	return v.factory.Validate(config.Storage)
}
