package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
)

func openStores(t *testing.T) map[string]core.KVStore {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	bolt, err := NewBoltKVStore(filepath.Join(dir, "state.db"), "")
	require.NoError(t, err)

	sqlite, err := NewSQLiteKVStore(ctx, filepath.Join(dir, "state.sqlite"))
	require.NoError(t, err)

	stores := map[string]core.KVStore{
		"memory": NewMemoryKVStore(),
		"bolt":   bolt,
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStores_SetGetDelete(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, core.ErrKeyNotFound)

			require.NoError(t, store.Set(ctx, "queue", `[{"id":"a"}]`))
			val, err := store.Get(ctx, "queue")
			require.NoError(t, err)
			assert.Equal(t, `[{"id":"a"}]`, val)

			require.NoError(t, store.Set(ctx, "queue", `[]`))
			val, err = store.Get(ctx, "queue")
			require.NoError(t, err)
			assert.Equal(t, `[]`, val)

			require.NoError(t, store.Delete(ctx, "queue"))
			_, err = store.Get(ctx, "queue")
			assert.ErrorIs(t, err, core.ErrKeyNotFound)

			// Deleting twice is fine.
			assert.NoError(t, store.Delete(ctx, "queue"))
		})
	}
}

func TestBoltKVStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewBoltKVStore(path, "sync")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "k", "v"))
	require.NoError(t, store.Close())

	reopened, err := NewBoltKVStore(path, "sync")
	require.NoError(t, err)
	defer reopened.Close()

	val, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestSQLiteKVStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.sqlite")

	store, err := NewSQLiteKVStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "k", "v"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteKVStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	val, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestNewBoltKVStore_EmptyPath(t *testing.T) {
	store, err := NewBoltKVStore("", "")
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestMemoryKVStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKVStore()
	require.NoError(t, store.Close())

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Set(ctx, "k", "v"), ErrStoreClosed)
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
}

func TestFactory_RegisteredTypes(t *testing.T) {
	assert.Equal(t, []string{"bolt", "dynamodb", "memory", "redis", "sqlite"}, GetRegisteredTypes())
	assert.True(t, IsTypeRegistered("bolt"))
	assert.False(t, IsTypeRegistered("cassandra"))
}

func TestFactory_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := Create(ctx, registry.InternalStorageConfig{Type: "memory"})
		require.NoError(t, err)
		assert.IsType(t, &MemoryKVStore{}, store)
	})

	t.Run("bolt", func(t *testing.T) {
		cfg := registry.InternalStorageConfig{
			Type: "bolt",
			Bolt: registry.InternalBoltConfig{Path: filepath.Join(t.TempDir(), "f.db")},
		}
		store, err := Create(ctx, cfg)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &BoltKVStore{}, store)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Create(ctx, registry.InternalStorageConfig{})
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Create(ctx, registry.InternalStorageConfig{Type: "cassandra"})
		assert.ErrorContains(t, err, "unsupported storage type")
	})

	t.Run("invalid redis config", func(t *testing.T) {
		_, err := Create(ctx, registry.InternalStorageConfig{Type: "redis"})
		assert.ErrorContains(t, err, "invalid configuration for redis")
	})
}
