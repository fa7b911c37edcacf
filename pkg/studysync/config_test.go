package studysync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "bolt", cfg.Storage.Type)
	assert.Equal(t, "memory", cfg.Remote.Type)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxRetryAttempts)
	assert.Equal(t, time.Second, cfg.Sync.RedrainDelay)
	assert.Equal(t, 60*time.Second, cfg.Sync.QueueInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.RetryInterval)
	assert.Equal(t, "manual", cfg.Network.Mode)
	assert.True(t, cfg.Network.StartOnline)
	assert.False(t, cfg.Events.Enabled)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  type: sqlite
  sqlite:
    path: /tmp/studysync.sqlite
sync:
  batch_size: 20
  retry_base_backoff: 2s
logging:
  level: debug
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/tmp/studysync.sqlite", cfg.Storage.SQLite.Path)
	assert.Equal(t, 20, cfg.Sync.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryBaseBackoff)
	assert.Equal(t, 5, cfg.Sync.MaxRetryAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("STUDYSYNC_SYNC_BATCH_SIZE", "7")
	t.Setenv("STUDYSYNC_NETWORK_START_ONLINE", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.False(t, cfg.Network.StartOnline)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "studysync.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "unsupported config file format")
}

func TestConfigProvider_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.CommitRate = 2.5
	cfg.Remote.MySQL.Host = "db.internal"

	data, err := (&configProvider{config: cfg}).GetYAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "commit_rate: 2.5")
	assert.Contains(t, string(data), "host: db.internal")
}
