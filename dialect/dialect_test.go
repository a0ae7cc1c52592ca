package dialect

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/velmie/tablequeue"
)

const claimQuery = "SELECT message_key FROM message_store t WHERE status='A' ORDER BY message_date"

func TestPrepareWorkQueueReadQuery(t *testing.T) {
	cases := []struct {
		dialect  string
		version  string
		lockWait int
		want     string
	}{
		{Postgres, "", -1, claimQuery + " LIMIT 1 FOR UPDATE SKIP LOCKED"},
		{MySQL, "8.0.36", -1, claimQuery + " LIMIT 1 FOR UPDATE SKIP LOCKED"},
		{MySQL, "5.7", -1, claimQuery + " LIMIT 1 FOR UPDATE"},
		{MariaDB, "10.5", -1, claimQuery + " LIMIT 1 FOR UPDATE NOWAIT"},
		{MariaDB, "10.5", 3, claimQuery + " LIMIT 1 FOR UPDATE WAIT 3"},
		{MariaDB, "10.11", -1, claimQuery + " LIMIT 1 FOR UPDATE SKIP LOCKED"},
		{Oracle, "", -1, claimQuery + " FOR UPDATE SKIP LOCKED"},
		{Oracle, "", 5, claimQuery + " FOR UPDATE WAIT 5"},
		{Oracle, "", 0, claimQuery + " FOR UPDATE NOWAIT"},
		{H2, "", -1, claimQuery + " LIMIT 1 FOR UPDATE"},
		{Generic, "", -1, claimQuery + " LIMIT 1 FOR UPDATE"},
		{SQLite, "", -1, claimQuery + " LIMIT 1"},
		{
			MSSQL, "", -1,
			"SELECT TOP(1) message_key FROM message_store t WITH (ROWLOCK, UPDLOCK, READPAST) WHERE status='A' ORDER BY message_date",
		},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s-%s-%d", tc.dialect, tc.version, tc.lockWait), func(t *testing.T) {
			adapter := MustLookup(tc.dialect, WithVersion(tc.version))
			got, err := adapter.PrepareWorkQueueReadQuery(1, claimQuery+";", tc.lockWait)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestPrepareWorkQueueReadQueryRequiresSelect(t *testing.T) {
	for _, name := range []string{Postgres, MySQL, MariaDB, Oracle, MSSQL, H2, SQLite, Generic} {
		adapter := MustLookup(name)
		_, err := adapter.PrepareWorkQueueReadQuery(1, "UPDATE message_store SET status='X'", -1)
		require.ErrorIs(t, err, ErrNotSelect, name)
		require.ErrorIs(t, err, tablequeue.ErrConfiguration, name)
	}
}

func TestPrepareWorkQueuePeekQuery(t *testing.T) {
	cases := map[string]string{
		Postgres: claimQuery + " LIMIT 1",
		Oracle:   claimQuery + " FETCH FIRST 1 ROWS ONLY",
		MSSQL:    "SELECT TOP(1) message_key FROM message_store t WHERE status='A' ORDER BY message_date",
		SQLite:   claimQuery + " LIMIT 1",
	}
	for name, want := range cases {
		got, err := MustLookup(name).PrepareWorkQueuePeekQuery(claimQuery)
		require.NoError(t, err)
		require.Equal(t, want, got, name)
	}
}

func TestMSSQLTableHintWithoutAlias(t *testing.T) {
	got := MustLookup(MSSQL).LockRowQuery("SELECT message FROM message_store WHERE message_key=?")
	require.Equal(t, "SELECT message FROM message_store WITH (ROWLOCK, UPDLOCK) WHERE message_key=?", got)
}

func TestHasSkipLockedSupport(t *testing.T) {
	want := map[string]bool{
		Postgres: true,
		MySQL:    true,
		Oracle:   true,
		MSSQL:    true,
		H2:       false,
		SQLite:   false,
		Generic:  false,
	}
	for name, skip := range want {
		require.Equal(t, skip, MustLookup(name).HasSkipLockedSupport(), name)
	}
	require.False(t, MustLookup(MariaDB, WithVersion("10.4.2")).HasSkipLockedSupport())
}

func TestHonorsLockWait(t *testing.T) {
	for _, name := range []string{Oracle, MariaDB} {
		require.True(t, MustLookup(name).HonorsLockWait(), name)
	}
	for _, name := range []string{Postgres, MySQL, MSSQL, H2, SQLite, Generic} {
		require.False(t, MustLookup(name).HonorsLockWait(), name)
	}
}

func TestIsLockBusy(t *testing.T) {
	pg := MustLookup(Postgres)
	require.True(t, pg.IsLockBusy(fmt.Errorf("claim: %w", &pgconn.PgError{Code: "55P03"})))
	require.False(t, pg.IsLockBusy(&pgconn.PgError{Code: "23505"}))
	require.False(t, pg.IsLockBusy(errors.New("lock timeout")))

	my := MustLookup(MariaDB)
	require.True(t, my.IsLockBusy(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}))
	require.True(t, my.IsLockBusy(&mysql.MySQLError{Number: 3572}))
	require.False(t, my.IsLockBusy(&mysql.MySQLError{Number: 1062}))

	require.True(t, MustLookup(Oracle).IsLockBusy(errors.New("ORA-00054: resource busy and acquire with NOWAIT specified")))
	require.True(t, MustLookup(H2).IsLockBusy(errors.New("Timeout trying to lock table")))
	require.False(t, MustLookup(H2).IsLockBusy(errors.New("connection reset")))
	require.False(t, MustLookup(SQLite).IsLockBusy(errors.New("timeout waiting for lock")))
	require.False(t, MustLookup(Generic).IsLockBusy(nil))
}

func TestRebind(t *testing.T) {
	query := "SELECT '?' FROM t WHERE a=? AND b=? -- ?\n AND c=?"
	require.Equal(t, "SELECT '?' FROM t WHERE a=$1 AND b=$2 -- ?\n AND c=$3", MustLookup(Postgres).Rebind(query))
	require.Equal(t, "SELECT '?' FROM t WHERE a=@p1 AND b=@p2 -- ?\n AND c=@p3", MustLookup(MSSQL).Rebind(query))
	require.Equal(t, "SELECT '?' FROM t WHERE a=:1 AND b=:2 -- ?\n AND c=:3", MustLookup(Oracle).Rebind(query))
	require.Equal(t, query, MustLookup(MySQL).Rebind(query))
}

func TestKeyAndLobStrategies(t *testing.T) {
	require.Equal(t, KeyReturning, MustLookup(Postgres).KeyStrategy())
	require.Equal(t, " RETURNING message_key", MustLookup(Postgres).ReturningClause("message_key"))
	require.Equal(t, KeyLastInsertID, MustLookup(MySQL).KeyStrategy())
	require.Equal(t, KeyLastInsertID, MustLookup(SQLite).KeyStrategy())
	require.Equal(t, KeyLookup, MustLookup(Generic).KeyStrategy())

	oracle := MustLookup(Oracle)
	require.Equal(t, KeySequence, oracle.KeyStrategy())
	require.Equal(t, "seq_store.NEXTVAL", oracle.NextKeyValue("seq_store"))
	require.Equal(t, "SELECT seq_store.CURRVAL FROM DUAL", oracle.InsertedKeyQuery("seq_store"))
	require.Equal(t, LobLocator, oracle.LobStrategy())

	require.Equal(t, LobInline, MustLookup(SQLite).LobStrategy())
	require.Equal(t, LobLocator, MustLookup(SQLite, WithLobStrategy(LobLocator)).LobStrategy())
}

func TestDeleteLimitedQuery(t *testing.T) {
	where := "expiry_date < ?"
	require.Equal(t,
		"DELETE FROM message_store WHERE expiry_date < ? ORDER BY message_key LIMIT 100",
		MustLookup(MySQL).DeleteLimitedQuery("message_store", "message_key", where, 100))
	require.Equal(t,
		"DELETE FROM message_store WHERE message_key IN (SELECT message_key FROM message_store WHERE expiry_date < ? ORDER BY message_key LIMIT 100)",
		MustLookup(Postgres).DeleteLimitedQuery("message_store", "message_key", where, 100))
	require.Equal(t,
		"DELETE FROM message_store WHERE expiry_date < ? AND ROWNUM <= 100",
		MustLookup(Oracle).DeleteLimitedQuery("message_store", "message_key", where, 100))
	require.Equal(t,
		"DELETE TOP (100) FROM message_store WHERE expiry_date < ?",
		MustLookup(MSSQL).DeleteLimitedQuery("message_store", "message_key", where, 100))
}

func TestLookup(t *testing.T) {
	adapter, err := Lookup("PostgreSQL")
	require.NoError(t, err)
	require.Equal(t, Postgres, adapter.Name())

	adapter, err = Lookup("sqlserver", WithVersion("2019"))
	require.NoError(t, err)
	require.Equal(t, MSSQL, adapter.Name())
	require.Equal(t, "2019", adapter.Version())

	_, err = Lookup("db2")
	require.ErrorIs(t, err, ErrUnknownDialect)
}
