// Package client turns a configuration into the connections the engine runs on.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/events"
	"github.com/studyquest/studysync/internal/kvstore"
	"github.com/studyquest/studysync/internal/netmon"
	"github.com/studyquest/studysync/internal/registry"
	"github.com/studyquest/studysync/internal/remote"
)

// ConfigProvider is an interface to provide configuration as YAML without importing the public package.
type ConfigProvider interface {
	GetYAML() ([]byte, error)
}

// LoadConfig parses and validates the provider's configuration on top of
// the defaults.
func LoadConfig(provider ConfigProvider) (*registry.InternalConfig, error) {
	if provider == nil {
		return nil, fmt.Errorf("config provider cannot be nil")
	}

	yamlData, err := provider.GetYAML()
	if err != nil {
		return nil, fmt.Errorf("failed to get config YAML: %w", err)
	}

	configMgr := registry.NewConfigManager()
	if err := configMgr.LoadFromYAML(yamlData); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return configMgr.GetConfig(), nil
}

// Overrides replaces configured resources with caller-supplied ones. The
// caller keeps ownership of anything passed here.
type Overrides struct {
	Store     core.KVStore
	Backend   core.Backend
	Publisher events.Publisher
	Source    netmon.Source
}

// Resources holds the local store, remote backend, event publisher and
// connectivity source for one engine.
type Resources struct {
	mu     sync.Mutex
	closed bool

	Store     core.KVStore
	Backend   core.Backend
	Publisher events.Publisher
	Source    netmon.Source

	// Manual is set when Source can be flipped explicitly.
	Manual *netmon.ManualSource

	probe   *netmon.ProbeSource
	closers []func() error
	log     zerolog.Logger
}

// Open creates every resource the configuration names that was not
// overridden. On error, whatever was already opened is closed.
func Open(ctx context.Context, cfg *registry.InternalConfig, o Overrides, logger zerolog.Logger) (*Resources, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	r := &Resources{
		Store:     o.Store,
		Backend:   o.Backend,
		Publisher: o.Publisher,
		Source:    o.Source,
		log:       logger.With().Str("component", "client").Logger(),
	}

	if err := r.initializeConnections(ctx, cfg, logger); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to initialize connections: %w", err)
	}
	return r, nil
}

func (r *Resources) initializeConnections(ctx context.Context, cfg *registry.InternalConfig, logger zerolog.Logger) error {
	if r.Store == nil {
		store, err := kvstore.Create(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create local store: %w", err)
		}
		r.Store = store
		r.closers = append(r.closers, store.Close)
		r.log.Info().Str("type", cfg.Storage.Type).Msg("local store opened")
	}

	if r.Backend == nil {
		backend, err := remote.Create(ctx, cfg.Remote)
		if err != nil {
			return fmt.Errorf("failed to create remote backend: %w", err)
		}
		r.Backend = backend
		r.closers = append(r.closers, backend.Close)
		r.log.Info().Str("type", cfg.Remote.Type).Msg("remote backend opened")
	}

	if r.Publisher == nil && cfg.Events.Enabled {
		pub, err := events.NewKafkaPublisher(cfg.Events.Kafka, logger)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		r.Publisher = pub
		r.closers = append(r.closers, pub.Close)
	}

	if r.Source == nil {
		switch cfg.Network.Mode {
		case "probe":
			r.probe = netmon.NewProbeSource(r.Backend, cfg.Network.ProbeInterval, cfg.Network.ProbeTimeout, cfg.Network.StartOnline, logger)
			r.Source = r.probe
		default:
			r.Manual = netmon.NewManualSource(cfg.Network.StartOnline)
			r.Source = r.Manual
		}
	} else if manual, ok := r.Source.(*netmon.ManualSource); ok {
		r.Manual = manual
	}

	return nil
}

// StartProbe starts the connectivity probe when the source is a probe.
func (r *Resources) StartProbe(ctx context.Context) error {
	if r.probe == nil {
		return nil
	}
	return r.probe.Start(ctx)
}

// StopProbe stops the connectivity probe if one is running.
func (r *Resources) StopProbe() error {
	if r.probe == nil {
		return nil
	}
	return r.probe.Stop()
}

// Close stops the probe and closes every resource Open created, in reverse
// order.
func (r *Resources) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.StopProbe(); err != nil {
		errs = append(errs, err)
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
