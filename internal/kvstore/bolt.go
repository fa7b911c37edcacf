package kvstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
)

const defaultBoltBucket = "studysync"

// BoltKVStore implements core.KVStore on a single bbolt bucket. It is the
// default local store: one file, no server, durable across restarts.
type BoltKVStore struct {
	db     *bbolt.DB
	bucket []byte
}

// NewBoltKVStore opens (or creates) the bbolt file at path.
func NewBoltKVStore(path, bucket string) (*BoltKVStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if bucket == "" {
		bucket = defaultBoltBucket
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	store := &BoltKVStore{db: db, bucket: []byte(bucket)}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(store.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	log.Debug().Str("component", "kvstore").Str("path", path).Msg("bolt store opened")
	return store, nil
}

// Get retrieves a value by key from the bucket.
func (b *BoltKVStore) Get(ctx context.Context, key string) (string, error) {
	var (
		val   string
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v != nil {
			// v is only valid inside the transaction.
			val = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}
	return val, nil
}

// Set stores a value under key.
func (b *BoltKVStore) Set(ctx context.Context, key, value string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from the bucket.
func (b *BoltKVStore) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the bbolt file.
func (b *BoltKVStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// BoltKVStoreFactory creates bbolt-backed stores.
type BoltKVStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *BoltKVStoreFactory) Type() string {
	return "bolt"
}

// Validate validates the bolt-specific configuration.
func (f *BoltKVStoreFactory) Validate(config registry.InternalStorageConfig) error {
	if config.Type != "bolt" {
		return fmt.Errorf("invalid type for bolt factory: %s", config.Type)
	}
	if config.Bolt.Path == "" {
		return fmt.Errorf("bolt.path is required")
	}
	return nil
}

// Create opens the configured bbolt file.
func (f *BoltKVStoreFactory) Create(ctx context.Context, config registry.InternalStorageConfig) (core.KVStore, error) {
	store, err := NewBoltKVStore(config.Bolt.Path, config.Bolt.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt store: %w", err)
	}
	return store, nil
}

func init() {
	RegisterFactory(&BoltKVStoreFactory{})
}
