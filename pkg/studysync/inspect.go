package studysync

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/client"
	"github.com/studyquest/studysync/internal/kvstore"
	"github.com/studyquest/studysync/internal/logging"
	"github.com/studyquest/studysync/internal/retry"
	"github.com/studyquest/studysync/internal/writeback"
)

type storageKeys struct {
	mutations string
	idMap     string
	retries   string
}

func storageKeysFor(prefix string) storageKeys {
	if prefix == "" {
		prefix = logging.ServiceName
	}
	return storageKeys{
		mutations: prefix + ":mutation-queue",
		idMap:     prefix + ":id-map",
		retries:   prefix + ":retry-queue",
	}
}

// PersistedState is what an engine left in its local store.
type PersistedState struct {
	Mutations []*MutationQueueItem `json:"mutations"`
	Retries   []RetryQueueItem     `json:"retries"`
}

// Inspect reads the persisted queues from the configured local store without
// contacting the remote backend.
func Inspect(ctx context.Context, cfg *Config) (*PersistedState, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	icfg, err := client.LoadConfig(&configProvider{config: cfg})
	if err != nil {
		return nil, err
	}

	store, err := kvstore.Create(ctx, icfg.Storage)
	if err != nil {
		return nil, err
	}

	keys := storageKeysFor(icfg.Storage.KeyPrefix)
	queue := writeback.New(writeback.Options{
		Store:      store,
		StorageKey: keys.mutations,
		IDMapKey:   keys.idMap,
		Logger:     zerolog.Nop(),
	})
	retries := retry.New(retry.Options{
		Store:      store,
		StorageKey: keys.retries,
		Logger:     zerolog.Nop(),
	})

	loadErr := errors.Join(queue.Load(ctx), retries.Load(ctx))
	if err := errors.Join(loadErr, store.Close()); err != nil {
		return nil, err
	}

	return &PersistedState{
		Mutations: queue.Items(),
		Retries:   retries.Items(),
	}, nil
}
