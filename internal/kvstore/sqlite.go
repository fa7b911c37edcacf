package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/migrate"
	"github.com/studyquest/studysync/internal/registry"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteKVStore implements core.KVStore on a single SQLite table.
type SQLiteKVStore struct {
	db *sql.DB
}

// NewSQLiteKVStore opens the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func NewSQLiteKVStore(ctx context.Context, path string) (*SQLiteKVStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := migrate.Up(db, "sqlite3", sqliteMigrations, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Debug().Str("component", "kvstore").Str("path", path).Msg("sqlite store opened")
	return &SQLiteKVStore{db: db}, nil
}

// Get retrieves a value by key.
func (s *SQLiteKVStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_value FROM kv_entries WHERE entry_key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Set upserts a value under key.
func (s *SQLiteKVStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (entry_key, entry_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entry_key) DO UPDATE SET
			entry_value = excluded.entry_value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteKVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE entry_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLiteKVStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteKVStore) Close() error {
	return s.db.Close()
}

// SQLiteKVStoreFactory creates SQLite-backed stores.
type SQLiteKVStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *SQLiteKVStoreFactory) Type() string {
	return "sqlite"
}

// Validate validates the sqlite-specific configuration.
func (f *SQLiteKVStoreFactory) Validate(config registry.InternalStorageConfig) error {
	if config.Type != "sqlite" {
		return fmt.Errorf("invalid type for sqlite factory: %s", config.Type)
	}
	if config.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	return nil
}

// Create opens the configured SQLite database.
func (f *SQLiteKVStoreFactory) Create(ctx context.Context, config registry.InternalStorageConfig) (core.KVStore, error) {
	store, err := NewSQLiteKVStore(ctx, config.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite store: %w", err)
	}
	return store, nil
}

func init() {
	RegisterFactory(&SQLiteKVStoreFactory{})
}
