package remote

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/migrate"
	"github.com/studyquest/studysync/internal/registry"
)

//go:embed migrations/mysql/*.sql
var mysqlMigrations embed.FS

// MySQLBackend stores documents as JSON rows in MySQL. Each batch commits
// in a single transaction.
type MySQLBackend struct {
	db     *sql.DB
	closed bool
}

// NewMySQLBackend opens the pool, verifies connectivity and applies
// migrations.
func NewMySQLBackend(ctx context.Context, cfg registry.InternalMySQLConfig) (*MySQLBackend, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.ConnectionTimeout)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate.Up(db, "mysql", mysqlMigrations, "migrations/mysql"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("mysql backend ready")

	return &MySQLBackend{db: db}, nil
}

func (m *MySQLBackend) NewBatch() core.Batch {
	return &mysqlBatch{backend: m}
}

func (m *MySQLBackend) NewDocumentID(collectionPath string) string {
	return idgen.Generate()
}

func (m *MySQLBackend) Ping(ctx context.Context) error {
	if m.closed {
		return fmt.Errorf("database is closed")
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLBackend) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

type mysqlBatch struct {
	writes
	backend *MySQLBackend
}

func (b *mysqlBatch) Commit(ctx context.Context) error {
	if b.backend.closed {
		return fmt.Errorf("database is closed")
	}

	tx, err := b.backend.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, w := range b.ops {
		if err := execMySQLWrite(ctx, tx, w, now); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Debug().Int("writes", len(b.ops)).Msg("mysql batch committed")
	return nil
}

func execMySQLWrite(ctx context.Context, tx *sql.Tx, w write, now int64) error {
	switch w.kind {
	case writeSet:
		payload, err := json.Marshal(nonNil(withoutVersion(w.data)))
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_documents (collection_path, doc_id, data, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON DUPLICATE KEY UPDATE
				data = VALUES(data),
				version = version + 1,
				updated_at = VALUES(updated_at)
		`, w.collection, w.docID, string(payload), now)
		if err != nil {
			return fmt.Errorf("failed to set %s/%s: %w", w.collection, w.docID, err)
		}
	case writeUpdate:
		payload, err := json.Marshal(nonNil(withoutVersion(w.data)))
		if err != nil {
			return fmt.Errorf("failed to marshal patch: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_documents
			SET data = JSON_MERGE_PATCH(data, ?), version = version + 1, updated_at = ?
			WHERE collection_path = ? AND doc_id = ?
		`, string(payload), now, w.collection, w.docID)
		if err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", w.collection, w.docID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s/%s", core.ErrDocumentNotFound, w.collection, w.docID)
		}
	case writeDelete:
		_, err := tx.ExecContext(ctx,
			`DELETE FROM sync_documents WHERE collection_path = ? AND doc_id = ?`,
			w.collection, w.docID)
		if err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", w.collection, w.docID, err)
		}
	}
	return nil
}

func nonNil(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return map[string]interface{}{}
	}
	return data
}

// MySQLBackendFactory creates MySQL backends.
type MySQLBackendFactory struct{}

func (f *MySQLBackendFactory) Type() string {
	return "mysql"
}

func (f *MySQLBackendFactory) Validate(config registry.InternalRemoteConfig) error {
	if config.Type != "mysql" {
		return fmt.Errorf("invalid type for mysql factory: %s", config.Type)
	}
	c := config.MySQL
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("max_open_conns cannot be negative")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns cannot be negative")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be positive")
	}
	return nil
}

func (f *MySQLBackendFactory) Create(ctx context.Context, config registry.InternalRemoteConfig) (core.Backend, error) {
	return NewMySQLBackend(ctx, config.MySQL)
}

func init() {
	RegisterFactory(&MySQLBackendFactory{})
}
