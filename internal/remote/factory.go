// Package remote implements the remote document backends the engine
// commits mutations to.
package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
)

// BackendFactory is the Strategy interface for creating backends.
type BackendFactory interface {
	Create(ctx context.Context, config registry.InternalRemoteConfig) (core.Backend, error)
	Type() string
	Validate(config registry.InternalRemoteConfig) error
}

var (
	factoryRegistry = make(map[string]BackendFactory)
	registryMutex   sync.RWMutex
)

// RegisterFactory registers a backend factory and a config validator that
// delegates to it. Called from init().
func RegisterFactory(factory BackendFactory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := factoryRegistry[factory.Type()]; exists {
		panic(fmt.Sprintf("backend factory for type %q is already registered", factory.Type()))
	}

	factoryRegistry[factory.Type()] = factory
	registry.RegisterRemoteValidator(&remoteValidator{factory: factory})
}

// Create creates a backend using the factory registered for config.Type.
func Create(ctx context.Context, config registry.InternalRemoteConfig) (core.Backend, error) {
	if config.Type == "" {
		return nil, fmt.Errorf("remote type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[config.Type]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported remote type: %s", config.Type)
	}

	if err := factory.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", config.Type, err)
	}

	return factory.Create(ctx, config)
}

// GetRegisteredTypes returns the registered backend types in sorted order.
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

// batchLimited is implemented by factories whose backends cap the number of
// writes in one atomic commit.
type batchLimited interface {
	MaxBatchSize() int
}

type remoteValidator struct {
	factory BackendFactory
}

func (v *remoteValidator) Type() string {
	return v.factory.Type()
}

func (v *remoteValidator) Validate(config *registry.InternalConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := v.factory.Validate(config.Remote); err != nil {
		return err
	}
	if bl, ok := v.factory.(batchLimited); ok && config.Sync.BatchSize > bl.MaxBatchSize() {
		return fmt.Errorf("sync.batch_size %d exceeds the %s limit of %d writes per commit",
			config.Sync.BatchSize, v.factory.Type(), bl.MaxBatchSize())
	}
	return nil
}
