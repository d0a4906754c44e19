// Package db provides database schema migration management.
package db

import (
	"github.com/pressly/goose/v3"

	"github.com/kimhsiao/famrx/backend/internal/db/migrations"
	"github.com/kimhsiao/famrx/backend/internal/errors"
)

const schemaVersionKey = "schema_version"

// Migrate applies all pending schema migrations. It runs once at
// startup, before any sync activity, so a version upgrade transforms
// the persisted layout exactly once.
func (db *DB) Migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Wrap(errors.ErrMigration, "set migration dialect", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return errors.Wrap(errors.ErrMigration, "apply migrations", err)
	}

	_, err := db.Exec(`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, '1')`, schemaVersionKey)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "record schema version", err)
	}
	return nil
}

// SchemaVersion returns the applied goose schema version.
func (db *DB) SchemaVersion() (int64, error) {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "set migration dialect", err)
	}
	v, err := goose.GetDBVersion(db.DB)
	if err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "read schema version", err)
	}
	return v, nil
}
