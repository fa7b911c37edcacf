package remote

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/migrate"
	"github.com/studyquest/studysync/internal/registry"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresBackend stores documents as JSONB rows. Updates merge with the
// jsonb concatenation operator.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPool creates a PostgreSQL connection pool and verifies connectivity.
func OpenPool(ctx context.Context, cfg registry.InternalPostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", poolCfg.MaxConns).
		Int32("min_conns", poolCfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// NewPostgresBackend opens the pool and applies migrations.
func NewPostgresBackend(ctx context.Context, cfg registry.InternalPostgresConfig) (*PostgresBackend, error) {
	pool, err := OpenPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	// The sql.DB wraps the pool; closing the pool closes it.
	db := stdlib.OpenDBFromPool(pool)
	if err := migrate.Up(db, "postgres", postgresMigrations, "migrations/postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) NewBatch() core.Batch {
	return &postgresBatch{backend: p}
}

func (p *PostgresBackend) NewDocumentID(collectionPath string) string {
	return idgen.Generate()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

type postgresBatch struct {
	writes
	backend *PostgresBackend
}

func (b *postgresBatch) Commit(ctx context.Context) error {
	now := time.Now().UnixMilli()
	err := pgx.BeginFunc(ctx, b.backend.pool, func(tx pgx.Tx) error {
		for _, w := range b.ops {
			if err := execPostgresWrite(ctx, tx, w, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().Int("writes", len(b.ops)).Msg("postgres batch committed")
	return nil
}

func execPostgresWrite(ctx context.Context, tx pgx.Tx, w write, now int64) error {
	switch w.kind {
	case writeSet:
		payload, err := json.Marshal(nonNil(withoutVersion(w.data)))
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_documents (collection_path, doc_id, data, version, updated_at)
			VALUES ($1, $2, $3::jsonb, 1, $4)
			ON CONFLICT (collection_path, doc_id) DO UPDATE SET
				data       = EXCLUDED.data,
				version    = sync_documents.version + 1,
				updated_at = EXCLUDED.updated_at
		`, w.collection, w.docID, string(payload), now)
		if err != nil {
			return fmt.Errorf("failed to set %s/%s: %w", w.collection, w.docID, err)
		}
	case writeUpdate:
		payload, err := json.Marshal(nonNil(withoutVersion(w.data)))
		if err != nil {
			return fmt.Errorf("failed to marshal patch: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE sync_documents
			SET data = data || $3::jsonb, version = version + 1, updated_at = $4
			WHERE collection_path = $1 AND doc_id = $2
		`, w.collection, w.docID, string(payload), now)
		if err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", w.collection, w.docID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s/%s", core.ErrDocumentNotFound, w.collection, w.docID)
		}
	case writeDelete:
		_, err := tx.Exec(ctx,
			`DELETE FROM sync_documents WHERE collection_path = $1 AND doc_id = $2`,
			w.collection, w.docID)
		if err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", w.collection, w.docID, err)
		}
	}
	return nil
}

// PostgresBackendFactory creates PostgreSQL backends.
type PostgresBackendFactory struct{}

func (f *PostgresBackendFactory) Type() string {
	return "postgres"
}

func (f *PostgresBackendFactory) Validate(config registry.InternalRemoteConfig) error {
	if config.Type != "postgres" {
		return fmt.Errorf("invalid type for postgres factory: %s", config.Type)
	}
	if config.Postgres.URL == "" {
		return fmt.Errorf("url is required")
	}
	if config.Postgres.MaxConns < 0 || config.Postgres.MinConns < 0 {
		return fmt.Errorf("connection limits cannot be negative")
	}
	if config.Postgres.MaxConns > 0 && config.Postgres.MinConns > config.Postgres.MaxConns {
		return fmt.Errorf("min_conns cannot exceed max_conns")
	}
	return nil
}

func (f *PostgresBackendFactory) Create(ctx context.Context, config registry.InternalRemoteConfig) (core.Backend, error) {
	return NewPostgresBackend(ctx, config.Postgres)
}

func init() {
	RegisterFactory(&PostgresBackendFactory{})
}
