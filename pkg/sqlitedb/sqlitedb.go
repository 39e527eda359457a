// Package sqlitedb opens the SQLite database shared by the cache store and the
// retry queue and keeps its schema migrated.
package sqlitedb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	_ "github.com/glebarez/go-sqlite"
)

// Filename that selects a private in-memory database.
const Memory = "memory"

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens the database with the given file name and applies all pending migrations.
// If the file name is empty or "memory", a new in-memory db is opened.
func Open(ctx context.Context, filename string) (*sql.DB, error) {
	memory := filename == "" || filename == Memory
	var dsn string
	if memory {
		// every in-memory db gets its own name so that separate stores do not share state
		dsn = fmt.Sprintf("file:offline-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		dsn = "file:" + filename + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if memory {
		// the db lives only as long as a connection to it is open
		db.SetMaxOpenConns(1)
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
