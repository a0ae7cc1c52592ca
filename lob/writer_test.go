package lob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/internal/testdb"
)

var target = Target{Table: "message_store", Column: "message", KeyColumn: "message_key", Key: "1"}

func setup(t *testing.T) (*tablequeue.PooledConnector, func() []byte) {
	t.Helper()

	db := testdb.OpenSQLite(t)
	testdb.Exec(t, db,
		"CREATE TABLE message_store (message_key INTEGER PRIMARY KEY AUTOINCREMENT, message BLOB)",
		"INSERT INTO message_store (message) VALUES (X'')",
	)
	connector, err := tablequeue.NewPooledConnector(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		testdb.AssertNoConnectionsInUse(t, db)
	})

	stored := func() []byte {
		var data []byte
		require.NoError(t, db.QueryRow("SELECT message FROM message_store WHERE message_key = 1").Scan(&data))
		return data
	}

	return connector, stored
}

func TestWriterStreamsCompressedPayload(t *testing.T) {
	ctx := context.Background()
	connector, stored := setup(t)
	adapter := dialect.MustLookup(dialect.SQLite)
	codec := Codec{Compress: true}

	conn, err := connector.Acquire(ctx)
	require.NoError(t, err)
	w, err := OpenWriter(ctx, conn, adapter, target, WithCodec(codec))
	require.NoError(t, err)

	_, err = w.WriteString(strings.Repeat("payload ", 100))
	require.NoError(t, err)
	_, err = io.WriteString(w, "end")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Empty(t, w.Warnings())

	decoded, err := codec.Decode(stored())
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("payload ", 100)+"end", string(decoded))

	_, err = w.Write([]byte("late"))
	require.Error(t, err)
}

func TestWithWriterReleasesOnCallbackError(t *testing.T) {
	ctx := context.Background()
	connector, stored := setup(t)
	adapter := dialect.MustLookup(dialect.SQLite)
	boom := errors.New("boom")

	conn, err := connector.Acquire(ctx)
	require.NoError(t, err)
	_, err = WithWriter(ctx, conn, adapter, target, func(w io.Writer) error {
		if _, err := io.WriteString(w, "partial"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, stored())

	// The row lock is gone: a second writer succeeds.
	conn, err = connector.Acquire(ctx)
	require.NoError(t, err)
	_, err = WithWriter(ctx, conn, adapter, target, func(w io.Writer) error {
		_, err := io.WriteString(w, "complete")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "complete", string(stored()))
}

func TestWithWriterReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	connector, _ := setup(t)
	adapter := dialect.MustLookup(dialect.SQLite)

	conn, err := connector.Acquire(ctx)
	require.NoError(t, err)
	require.Panics(t, func() {
		_, _ = WithWriter(ctx, conn, adapter, target, func(io.Writer) error {
			panic("handler exploded")
		})
	})
}

func TestOpenWriterUnknownKeyReleasesConnection(t *testing.T) {
	ctx := context.Background()
	connector, _ := setup(t)
	adapter := dialect.MustLookup(dialect.SQLite)

	conn, err := connector.Acquire(ctx)
	require.NoError(t, err)
	missing := target
	missing.Key = "99"
	_, err = OpenWriter(ctx, conn, adapter, missing)
	require.ErrorIs(t, err, tablequeue.ErrNotFound)
}

func TestOpenWriterRejectsCompressedCharacterColumn(t *testing.T) {
	ctx := context.Background()
	connector, _ := setup(t)

	conn, err := connector.Acquire(ctx)
	require.NoError(t, err)
	_, err = OpenWriter(ctx, conn, dialect.MustLookup(dialect.SQLite), target,
		WithCodec(Codec{Compress: true}), WithCharacter())
	require.ErrorIs(t, err, tablequeue.ErrConfiguration)
}

func TestOpenWriterTxLeavesCommitToCaller(t *testing.T) {
	ctx := context.Background()
	connector, stored := setup(t)
	adapter := dialect.MustLookup(dialect.SQLite)

	conn, err := connector.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	w, err := OpenWriterTx(ctx, tx, adapter, target)
	require.NoError(t, err)
	_, err = w.Write([]byte("in tx"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, tx.Rollback())

	require.Empty(t, stored())
}

func TestOpenReaderModes(t *testing.T) {
	ctx := context.Background()
	connector, _ := setup(t)
	adapter := dialect.MustLookup(dialect.SQLite)
	codec := Codec{Serialize: true, Compress: true}

	conn, err := connector.Acquire(ctx)
	require.NoError(t, err)
	_, err = WithWriter(ctx, conn, adapter, target, func(w io.Writer) error {
		_, err := io.WriteString(w, "hello")
		return err
	}, WithCodec(codec))
	require.NoError(t, err)

	conn, err = connector.Acquire(ctx)
	require.NoError(t, err)
	r, err := OpenReader(ctx, conn, adapter, target, Smart)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.Equal(t, "hello", string(data))

	conn, err = connector.Acquire(ctx)
	require.NoError(t, err)
	s, err := ReadString(ctx, conn, adapter, target, Raw)
	conn.Release()
	require.NoError(t, err)
	require.NotEqual(t, "hello", s)

	conn, err = connector.Acquire(ctx)
	require.NoError(t, err)
	missing := target
	missing.Key = "7"
	_, err = OpenReader(ctx, conn, adapter, missing, Raw)
	require.ErrorIs(t, err, tablequeue.ErrNotFound)
}
