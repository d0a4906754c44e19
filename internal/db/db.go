// Package db provides database connection management for the local
// store. The database lives in the device's private storage and is the
// single source of truth for all application reads.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/famrx/backend/internal/errors"
)

// DB wraps sql.DB with FamRx-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the device-local SQLite database with:
// - WAL mode for concurrent reads during sync
// - foreign key constraints enabled
// - a busy timeout so the sync task and UI writes queue instead of failing
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStorageFault, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "famrx.db")

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageFault, "failed to open database", err)
	}

	// SQLite allows a single writer; funnel everything through one
	// connection so transactions serialize instead of erroring.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.ErrStorageFault, "failed to configure database", err)
		}
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
