package sqlstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/lob"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T, f fixture, cfg LogConfig, opts ...Option) *Log {
	t.Helper()

	opts = append([]Option{WithClock(newFixedClock(epoch))}, opts...)
	l, err := NewLog(f.connector, f.adapter, cfg, opts...)
	require.NoError(t, err)

	return l
}

func TestLogStoreBrowseRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{SlotID: "slot-1", Host: "node-a", Codec: lob.Codec{Serialize: true, Compress: true}}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	res, err := l.Store(ctx, tablequeue.Message{
		MessageID:     "m-1",
		CorrelationID: "c-1",
		ReceivedAt:    epoch.Add(-time.Minute),
		Comment:       "stored",
		Label:         "blue",
		Payload:       []byte("<order/>"),
	})
	require.NoError(t, err)
	require.Equal(t, "1", res.Key)
	require.False(t, res.IsDuplicate())

	msg, err := l.Browse(ctx, res.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("<order/>"), msg.Payload)
	require.Equal(t, "m-1", msg.MessageID)
	require.Equal(t, "c-1", msg.CorrelationID)
	require.Equal(t, "slot-1", msg.SlotID)
	require.Equal(t, "node-a", msg.Host)
	require.Equal(t, "blue", msg.Label)
	require.Equal(t, tablequeue.TypeMessageLog, msg.Type)
	require.True(t, msg.InsertDate.Equal(epoch.Add(-time.Minute)))
	require.NotNil(t, msg.ExpiryDate)
	require.True(t, msg.ExpiryDate.Equal(epoch.AddDate(0, 0, 30)))

	meta, err := l.Context(ctx, res.Key)
	require.NoError(t, err)
	require.Equal(t, msg.MessageMeta, meta)

	var raw []byte
	require.NoError(t, f.db.QueryRow("SELECT message FROM message_store").Scan(&raw))
	require.NotEqual(t, []byte("<order/>"), raw)
}

func TestLogStoreDefaultsAndTruncation(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{Type: tablequeue.TypeErrorStorage}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)
	require.Equal(t, "ASC", l.Config().Order)

	res, err := l.Store(ctx, tablequeue.Message{
		CorrelationID: strings.Repeat("é", 300),
		Comment:       strings.Repeat("x", 1200),
	})
	require.NoError(t, err)

	meta, err := l.Context(ctx, res.Key)
	require.NoError(t, err)
	id, err := uuid.Parse(meta.MessageID)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), id.Version())
	require.Len(t, []rune(meta.CorrelationID), tablequeue.MaxCorrelationIDLen)
	require.Len(t, meta.Comment, tablequeue.MaxCommentLen)
	require.Nil(t, meta.ExpiryDate, "error storage never expires")
	require.True(t, meta.InsertDate.Equal(epoch))
}

func TestLogRetainForever(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{RetentionDays: RetainForever}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	res, err := l.Store(ctx, tablequeue.Message{MessageID: "m", CorrelationID: "c"})
	require.NoError(t, err)
	meta, err := l.Context(ctx, res.Key)
	require.NoError(t, err)
	require.Nil(t, meta.ExpiryDate)
}

func TestLogExpireImmediately(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{RetentionDays: ExpireImmediately}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	res, err := l.Store(ctx, tablequeue.Message{MessageID: "m", CorrelationID: "c", ReceivedAt: epoch})
	require.NoError(t, err)
	meta, err := l.Context(ctx, res.Key)
	require.NoError(t, err)
	require.NotNil(t, meta.ExpiryDate)
	require.True(t, meta.ExpiryDate.Equal(epoch), meta.ExpiryDate)
}

func TestLogStoreOnce(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{SlotID: "s", StoreOnce: true}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	first, err := l.Store(ctx, tablequeue.Message{MessageID: "dup", CorrelationID: "c", Payload: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, tablequeue.DuplicateNone, first.Duplicate)

	same, err := l.Store(ctx, tablequeue.Message{MessageID: "dup", CorrelationID: "c", Payload: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, tablequeue.DuplicateIdentical, same.Duplicate)
	require.Equal(t, first.Key, same.Key)

	differs, err := l.Store(ctx, tablequeue.Message{MessageID: "dup", CorrelationID: "c", Payload: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, tablequeue.DuplicateDiffers, differs.Duplicate)

	count, err := l.MessageCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Another slot is a separate namespace.
	other := newTestLog(t, f, LogConfig{SlotID: "t", StoreOnce: true})
	res, err := other.Store(ctx, tablequeue.Message{MessageID: "dup", CorrelationID: "c", Payload: []byte("a")})
	require.NoError(t, err)
	require.False(t, res.IsDuplicate())
}

func TestLogDeleteTakeContains(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{SlotID: "s"}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	a, err := l.Store(ctx, tablequeue.Message{MessageID: "a", CorrelationID: "ca", Payload: []byte("A")})
	require.NoError(t, err)
	b, err := l.Store(ctx, tablequeue.Message{MessageID: "b", CorrelationID: "cb", Payload: []byte("B")})
	require.NoError(t, err)

	ok, err := l.ContainsMessageID(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.ContainsCorrelationID(ctx, "cb")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.ContainsMessageID(ctx, "zzz")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Delete(ctx, a.Key))
	err = l.Delete(ctx, a.Key)
	require.ErrorIs(t, err, tablequeue.ErrNotFound)
	require.False(t, tablequeue.MustRollback(err))
	_, err = l.Browse(ctx, a.Key)
	require.ErrorIs(t, err, tablequeue.ErrNotFound)

	taken, err := l.Take(ctx, b.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("B"), taken.Payload)
	_, err = l.Take(ctx, b.Key)
	require.ErrorIs(t, err, tablequeue.ErrNotFound)

	count, err := l.MessageCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestLogScopedBySlotAndType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).withLogTable(t, LogConfig{})
	slotA := newTestLog(t, f, LogConfig{SlotID: "a"})
	slotB := newTestLog(t, f, LogConfig{SlotID: "b"})
	errorsA := newTestLog(t, f, LogConfig{SlotID: "a", Type: tablequeue.TypeErrorStorage})

	res, err := slotA.Store(ctx, tablequeue.Message{MessageID: "m", CorrelationID: "c"})
	require.NoError(t, err)
	_, err = slotB.Store(ctx, tablequeue.Message{MessageID: "m", CorrelationID: "c"})
	require.NoError(t, err)

	_, err = slotB.Browse(ctx, res.Key)
	require.ErrorIs(t, err, tablequeue.ErrNotFound)
	_, err = errorsA.Browse(ctx, res.Key)
	require.ErrorIs(t, err, tablequeue.ErrNotFound)

	for _, l := range []*Log{slotA, slotB} {
		n, err := l.MessageCount(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	n, err := errorsA.MessageCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLogIterate(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	for i := 0; i < 4; i++ {
		_, err := l.Store(ctx, tablequeue.Message{
			MessageID:     string(rune('a' + i)),
			CorrelationID: "c",
			ReceivedAt:    epoch.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	collect := func(opts IterateOptions) []string {
		it, err := l.Iterate(ctx, opts)
		require.NoError(t, err)
		defer func() { require.NoError(t, it.Close()) }()

		var ids []string
		for it.Next() {
			ids = append(ids, it.Meta().MessageID)
		}
		require.NoError(t, it.Err())

		return ids
	}

	require.Equal(t, []string{"d", "c", "b", "a"}, collect(IterateOptions{}))
	require.Equal(t, []string{"b", "c"}, collect(IterateOptions{
		Start: epoch.Add(time.Hour),
		End:   epoch.Add(3 * time.Hour),
		Order: "asc",
	}))

	_, err := l.Iterate(ctx, IterateOptions{Order: "sideways"})
	require.ErrorIs(t, err, tablequeue.ErrConfiguration)
}

func TestLogStreamingWriterAndReader(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{Codec: lob.Codec{Compress: true}}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	res, err := l.Store(ctx, tablequeue.Message{MessageID: "m", CorrelationID: "c", Payload: []byte("first")})
	require.NoError(t, err)

	w, err := l.OpenWriter(ctx, res.Key)
	require.NoError(t, err)
	_, err = io.WriteString(w, strings.Repeat("streamed ", 50))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := l.OpenReader(ctx, res.Key, lob.Raw)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, strings.Repeat("streamed ", 50), string(data))

	require.NoError(t, l.ReplacePayload(ctx, res.Key, []byte("replaced")))
	msg, err := l.Browse(ctx, res.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("replaced"), msg.Payload)

	err = l.ReplacePayload(ctx, "404", []byte("x"))
	require.ErrorIs(t, err, tablequeue.ErrNotFound)
}

func TestLogStoreTxFollowsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	tx, err := f.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = l.StoreTx(ctx, tx, tablequeue.Message{MessageID: "m", CorrelationID: "c"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	n, err := l.MessageCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = l.StoreTx(ctx, nil, tablequeue.Message{})
	require.ErrorIs(t, err, ErrTxRequired)
}

func TestLogStoreFailureIsStorageError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := newTestLog(t, f, LogConfig{})

	_, err := l.Store(ctx, tablequeue.Message{MessageID: "m", CorrelationID: "c"})
	var se *tablequeue.StorageError
	require.ErrorAs(t, err, &se)
	require.True(t, tablequeue.MustRollback(err))
}

func TestLogMetadataOnly(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{MetadataOnly: true}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	res, err := l.Store(ctx, tablequeue.Message{MessageID: "m", CorrelationID: "c", Payload: []byte("dropped")})
	require.NoError(t, err)
	msg, err := l.Browse(ctx, res.Key)
	require.NoError(t, err)
	require.Empty(t, msg.Payload)
	_, err = l.OpenWriter(ctx, res.Key)
	require.ErrorIs(t, err, tablequeue.ErrConfiguration)
}

func TestLogBatchWriter(t *testing.T) {
	ctx := context.Background()
	cfg := LogConfig{Type: tablequeue.TypeMessageStorage}
	f := newFixture(t).withLogTable(t, cfg)
	l := newTestLog(t, f, cfg)

	bw, err := l.NewBatchWriter(ctx, 3)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		require.NoError(t, bw.Add(ctx, tablequeue.Message{CorrelationID: "bench", Payload: []byte("p")}))
	}
	require.Equal(t, 7, bw.Added())
	require.NoError(t, bw.Close(ctx))

	n, err := l.MessageCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	aborted, err := l.NewBatchWriter(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, aborted.Add(ctx, tablequeue.Message{CorrelationID: "gone"}))
	require.NoError(t, aborted.Add(ctx, tablequeue.Message{CorrelationID: "gone"}))
	require.NoError(t, aborted.Abort())
	n, err = l.MessageCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	once := newTestLog(t, f, LogConfig{StoreOnce: true})
	_, err = once.NewBatchWriter(ctx, 2)
	require.ErrorIs(t, err, ErrBatchUnsupported)
}

func TestNewLogValidation(t *testing.T) {
	f := newFixture(t)

	_, err := NewLog(nil, f.adapter, LogConfig{})
	require.ErrorIs(t, err, ErrConnectorRequired)
	_, err = NewLog(f.connector, nil, LogConfig{})
	require.ErrorIs(t, err, ErrAdapterRequired)
	_, err = NewLog(f.connector, f.adapter, LogConfig{Table: "bad name"})
	require.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = NewLog(f.connector, f.adapter, LogConfig{RetentionDays: -3})
	require.ErrorIs(t, err, tablequeue.ErrConfiguration)
	_, err = NewLog(f.connector, f.adapter, LogConfig{Order: "up"})
	require.ErrorIs(t, err, tablequeue.ErrConfiguration)
	_, err = NewLog(f.connector, f.adapter, LogConfig{Columns: LogColumns{Key: "k"}})
	require.ErrorIs(t, err, tablequeue.ErrConfiguration)
}
