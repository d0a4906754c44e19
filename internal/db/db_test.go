// Package db provides unit tests for database setup and migrations.
package db

import (
	"testing"
)

// TestOpenAndMigrate verifies a fresh database opens, migrates, and
// reports its schema version.
func TestOpenAndMigrate(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	version, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version < 1 {
		t.Errorf("Expected schema version >= 1, got %d", version)
	}

	// The core tables exist and are queryable.
	for _, table := range []string{"entities", "mutations", "sync_cursors", "conflict_audit"} {
		var count int
		if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}
}

// TestMigrateIdempotent verifies re-running migrations is a no-op.
func TestMigrateIdempotent(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		t.Fatalf("First Migrate failed: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Second Migrate failed: %v", err)
	}
}
