package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
)

// RedisKVStore implements core.KVStore using Redis. Useful when several
// engine processes on one host share a local cache server.
type RedisKVStore struct {
	client *redis.Client
	closed bool
}

// RedisOptions holds the connection settings for NewRedisKVStore.
type RedisOptions struct {
	Endpoints    []string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisKVStore connects to the first endpoint and verifies it with PING.
func NewRedisKVStore(ctx context.Context, opts RedisOptions) (*RedisKVStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Endpoints[0],
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Debug().Str("component", "kvstore").Str("addr", opts.Endpoints[0]).Msg("redis store connected")
	return &RedisKVStore{client: client}, nil
}

// Get retrieves a value by key from Redis.
func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	if r.closed {
		return "", ErrStoreClosed
	}

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value under key without expiration.
func (r *RedisKVStore) Set(ctx context.Context, key, value string) error {
	if r.closed {
		return ErrStoreClosed
	}

	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from Redis.
func (r *RedisKVStore) Delete(ctx context.Context, key string) error {
	if r.closed {
		return ErrStoreClosed
	}

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Ping issues a Redis PING.
func (r *RedisKVStore) Ping(ctx context.Context) error {
	if r.closed {
		return ErrStoreClosed
	}
	return r.client.Ping(ctx).Err()
}

// Close closes the connection to Redis.
func (r *RedisKVStore) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true
	return r.client.Close()
}

// RedisKVStoreFactory creates Redis-backed stores.
type RedisKVStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *RedisKVStoreFactory) Type() string {
	return "redis"
}

// Validate validates the Redis-specific configuration.
func (f *RedisKVStoreFactory) Validate(config registry.InternalStorageConfig) error {
	if config.Type != "redis" {
		return fmt.Errorf("invalid type for Redis factory: %s", config.Type)
	}
	rc := config.Redis
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required for Redis")
	}
	if rc.DB < 0 || rc.DB > 15 {
		return fmt.Errorf("Redis DB must be between 0 and 15, got: %d", rc.DB)
	}
	if rc.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0, got: %d", rc.PoolSize)
	}
	if rc.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns must be non-negative, got: %d", rc.MinIdleConns)
	}
	if config.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be greater than 0, got: %v", config.DialTimeout)
	}
	if config.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be greater than 0, got: %v", config.ReadTimeout)
	}
	if config.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be greater than 0, got: %v", config.WriteTimeout)
	}
	return nil
}

// Create connects to the configured Redis server.
func (f *RedisKVStoreFactory) Create(ctx context.Context, config registry.InternalStorageConfig) (core.KVStore, error) {
	store, err := NewRedisKVStore(ctx, RedisOptions{
		Endpoints:    config.Redis.Endpoints,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		MinIdleConns: config.Redis.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis store: %w", err)
	}
	return store, nil
}

func init() {
	RegisterFactory(&RedisKVStoreFactory{})
}
