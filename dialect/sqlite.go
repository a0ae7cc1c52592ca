package dialect

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteAdapter targets SQLite. There are no row locks: a writer holds the
// database lock, so claims only stay exclusive with in-process marking and an
// immediate transaction lock (_txlock=immediate). Busy errors mean "no message".
type SQLiteAdapter struct {
	base
}

func newSQLite(cfg Config) *SQLiteAdapter {
	a := &SQLiteAdapter{base: base{name: SQLite, cfg: cfg}}
	a.self = a

	return a
}

// PrepareWorkQueueReadQuery implements Locker.
func (a *SQLiteAdapter) PrepareWorkQueueReadQuery(fetchSize int, query string, _ int) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}

	return q + limitClause(fetchSize), nil
}

// LockRowQuery implements Locker. The enclosing write transaction already excludes other writers.
func (a *SQLiteAdapter) LockRowQuery(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), ";")
}

// IsLockBusy implements Locker.
func (a *SQLiteAdapter) IsLockBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff

	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// PeekTxOptions implements Locker. A plain read takes no write lock.
func (a *SQLiteAdapter) PeekTxOptions() *sql.TxOptions { return nil }

// KeyStrategy implements KeyGenerator.
func (a *SQLiteAdapter) KeyStrategy() KeyStrategy { return KeyLastInsertID }

// EmptyLobValue implements LobSupport.
func (a *SQLiteAdapter) EmptyLobValue() string { return "X''" }
