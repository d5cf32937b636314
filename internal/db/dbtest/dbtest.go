// Package dbtest provides an in-memory SQLite database with the full schema
// migrated, so store and service tests run without a Postgres instance.
package dbtest

import (
	"testing"

	"github.com/bathiste/chat-client-WIP/internal/db"

	"gorm.io/gorm"
)

// Open returns a freshly migrated in-memory database that is closed when the
// test finishes.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite::memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}
