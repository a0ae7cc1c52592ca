package sqlstore

import (
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/internal/testdb"
)

type fixture struct {
	db        *sql.DB
	connector tablequeue.Connector
	adapter   dialect.Adapter
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := testdb.OpenSQLite(t)
	connector, err := tablequeue.NewPooledConnector(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		testdb.AssertNoConnectionsInUse(t, db)
	})

	return fixture{db: db, connector: connector, adapter: dialect.MustLookup(dialect.SQLite)}
}

// withLogTable creates the documented message table for cfg.
func (f fixture) withLogTable(t *testing.T, cfg LogConfig) fixture {
	t.Helper()

	ddl, err := Schema(f.adapter, cfg)
	require.NoError(t, err)
	testdb.Exec(t, f.db, dialect.SplitStatements(ddl)...)

	return f
}

func (f fixture) withWorkTable(t *testing.T) fixture {
	t.Helper()

	testdb.Exec(t, f.db,
		"CREATE TABLE work_items (id INTEGER PRIMARY KEY AUTOINCREMENT, status CHAR(1), slot VARCHAR(100), msg_id VARCHAR(100), payload BLOB, changed_at TIMESTAMP, note VARCHAR(1000), created INTEGER)",
	)

	return f
}

func (f fixture) insertWork(t *testing.T, status, slot, payload string) {
	t.Helper()

	_, err := f.db.Exec("INSERT INTO work_items (status, slot, msg_id, payload, created) VALUES (?, ?, ?, ?, (SELECT COUNT(*) FROM work_items))",
		status, slot, "id-"+payload, []byte(payload))
	require.NoError(t, err)
}

func (f fixture) statuses(t *testing.T) map[string]string {
	t.Helper()

	rows, err := f.db.Query("SELECT msg_id, status FROM work_items")
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, status string
		require.NoError(t, rows.Scan(&id, &status))
		out[id] = status
	}
	require.NoError(t, rows.Err())

	return out
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type warnLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *warnLogger) Debug(string, ...any) {}
func (l *warnLogger) Info(string, ...any)  {}
func (l *warnLogger) Error(string, ...any) {}

func (l *warnLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *warnLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.warns)
}

func (l *warnLogger) matching(sub string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, w := range l.warns {
		if strings.Contains(w, sub) {
			n++
		}
	}

	return n
}
