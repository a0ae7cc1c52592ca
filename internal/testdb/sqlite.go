// Package testdb opens throwaway databases for package tests.
package testdb

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a file-backed SQLite database in a temporary directory.
// Write transactions start IMMEDIATE so a locked row blocks other writers.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tablequeue.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// Exec runs statements in order and fails the test on the first error.
func Exec(t testing.TB, db *sql.DB, statements ...string) {
	t.Helper()

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

// AssertNoConnectionsInUse fails when a pool connection is still checked out.
func AssertNoConnectionsInUse(t testing.TB, db *sql.DB) {
	t.Helper()

	if inUse := db.Stats().InUse; inUse != 0 {
		t.Fatalf("expected no connections in use, got %d", inUse)
	}
}
