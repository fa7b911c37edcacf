// Package migrate applies embedded goose migrations.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// goose keeps the dialect and base filesystem in package globals.
var mu sync.Mutex

// Up applies every pending migration found in dir of fsys using dialect.
func Up(db *sql.DB, dialect string, fsys fs.FS, dir string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect %s: %w", dialect, err)
	}

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
