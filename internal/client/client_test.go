package client

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/studysync/internal/events"
	"github.com/studyquest/studysync/internal/kvstore"
	"github.com/studyquest/studysync/internal/netmon"
	"github.com/studyquest/studysync/internal/registry"
	"github.com/studyquest/studysync/internal/remote"
)

type yamlProvider string

func (p yamlProvider) GetYAML() ([]byte, error) {
	return []byte(p), nil
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(yamlProvider(`
storage:
  type: memory
sync:
  batch_size: 25
  redrain_delay: 250ms
network:
  mode: manual
  start_online: false
`))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxRetryAttempts, "unset fields keep defaults")
	assert.Equal(t, "250ms", cfg.Sync.RedrainDelay.String())
	assert.False(t, cfg.Network.StartOnline)

	_, err = LoadConfig(nil)
	assert.Error(t, err)

	_, err = LoadConfig(yamlProvider("storage:\n  type: floppy\n"))
	assert.ErrorContains(t, err, "unsupported storage type: floppy")
}

func TestOpen_FromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := registry.DefaultInternalConfig()
	cfg.Storage.Bolt.Path = filepath.Join(t.TempDir(), "state.db")

	res, err := Open(ctx, cfg, Overrides{}, zerolog.Nop())
	require.NoError(t, err)

	assert.IsType(t, &kvstore.BoltKVStore{}, res.Store)
	assert.IsType(t, &remote.MemoryBackend{}, res.Backend)
	assert.Nil(t, res.Publisher, "events are disabled by default")
	require.NotNil(t, res.Manual)
	assert.True(t, res.Source.Online())

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
}

func TestOpen_Overrides(t *testing.T) {
	ctx := context.Background()
	cfg := registry.DefaultInternalConfig()
	cfg.Events.Enabled = true

	store := kvstore.NewMemoryKVStore()
	backend := remote.NewMemoryBackend()
	pub := events.NewMemoryPublisher()
	src := netmon.NewManualSource(false)

	res, err := Open(ctx, cfg, Overrides{Store: store, Backend: backend, Publisher: pub, Source: src}, zerolog.Nop())
	require.NoError(t, err)

	assert.Same(t, store, res.Store)
	assert.Same(t, backend, res.Backend)
	assert.Same(t, src, res.Manual)
	require.NoError(t, res.Close())

	// Overridden resources stay usable after Close.
	require.NoError(t, store.Set(ctx, "k", "v"))
}

func TestOpen_ProbeMode(t *testing.T) {
	ctx := context.Background()
	cfg := registry.DefaultInternalConfig()
	cfg.Network.Mode = "probe"
	cfg.Network.StartOnline = false

	backend := remote.NewMemoryBackend()
	res, err := Open(ctx, cfg, Overrides{Store: kvstore.NewMemoryKVStore(), Backend: backend}, zerolog.Nop())
	require.NoError(t, err)
	defer res.Close()

	assert.Nil(t, res.Manual)
	assert.False(t, res.Source.Online())

	require.NoError(t, res.StartProbe(ctx))
	require.Eventually(t, res.Source.Online, 2e9, 5e6)
	require.NoError(t, res.StopProbe())
}

func TestOpen_InvalidRemote(t *testing.T) {
	cfg := registry.DefaultInternalConfig()
	cfg.Remote.Type = "mysql"
	cfg.Remote.MySQL.Host = ""

	_, err := Open(context.Background(), cfg, Overrides{Store: kvstore.NewMemoryKVStore()}, zerolog.Nop())
	assert.ErrorContains(t, err, "host is required")
}
