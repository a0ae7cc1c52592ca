package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/sqlexec"
)

// BatchWriter inserts many messages over one transaction, executing the
// prepared insert every size messages. Keys are not reported.
type BatchWriter struct {
	log    *Log
	conn   *tablequeue.Conn
	tx     *sql.Tx
	ec     *sqlexec.Context
	added  int
	closed bool
}

// NewBatchWriter opens a batch writer. Store-once logs and dialects that
// write payloads through a locator cannot batch.
func (l *Log) NewBatchWriter(ctx context.Context, size int) (*BatchWriter, error) {
	if l.cfg.StoreOnce {
		return nil, errors.Join(ErrBatchUnsupported, tablequeue.Configf("store-once needs per-message results"))
	}
	if !l.cfg.MetadataOnly && l.adapter.LobStrategy() == dialect.LobLocator {
		return nil, errors.Join(ErrBatchUnsupported, tablequeue.Configf("dialect %s writes payloads through a locator", l.adapter.Name()))
	}
	if size <= 0 {
		return nil, tablequeue.Configf("batch size must be positive")
	}

	query, err := l.builder.insertSQL(false, false)
	if err != nil {
		return nil, err
	}
	plan, err := sqlexec.Compile(l.adapter, sqlexec.Query{SQL: query, Kind: sqlexec.Exec{}}, l.opts.logger)
	if err != nil {
		return nil, err
	}

	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, releaseWith(conn, tablequeue.NewStorageError("begin batch", "", err))
	}
	ec, err := plan.Open(ctx, tx, sqlexec.WithBatchSize(size))
	if err != nil {
		return nil, releaseWith(conn, finishTx(tx, err))
	}

	return &BatchWriter{log: l, conn: conn, tx: tx, ec: ec}, nil
}

// Add queues msg. Every size-th call executes the queued inserts.
func (b *BatchWriter) Add(ctx context.Context, msg tablequeue.Message) error {
	if b.closed {
		return sqlexec.ErrClosed
	}
	m, err := b.log.prepare(msg)
	if err != nil {
		return err
	}
	params, err := b.log.insertParams(m)
	if err != nil {
		return err
	}
	if _, err := b.ec.Run(ctx, params...); err != nil {
		return err
	}
	b.added++

	return nil
}

// Added returns the number of messages queued so far.
func (b *BatchWriter) Added() int {
	return b.added
}

// Close executes the remaining inserts and commits.
func (b *BatchWriter) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true

	err := b.ec.CloseContext(ctx)

	return releaseWith(b.conn, finishTx(b.tx, err))
}

// Abort discards everything added.
func (b *BatchWriter) Abort() error {
	if b.closed {
		return nil
	}
	b.closed = true

	b.ec.Discard()
	err := b.ec.Close()
	if rbErr := b.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		err = errors.Join(err, tablequeue.NewStorageError("rollback batch", "", rbErr))
	}

	return releaseWith(b.conn, err)
}
