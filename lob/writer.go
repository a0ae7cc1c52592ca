package lob

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
)

// Target names the LOB column of one row.
type Target struct {
	Table     string
	Column    string
	KeyColumn string
	Key       string
}

func (t Target) validate() error {
	if t.Table == "" || t.Column == "" || t.KeyColumn == "" {
		return tablequeue.Configf("lob target requires table, column and key column")
	}
	if t.Key == "" {
		return tablequeue.Configf("lob target requires a key")
	}

	return nil
}

type writerConfig struct {
	codec     Codec
	character bool
	txOptions *sql.TxOptions
	logger    tablequeue.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

// WithCodec sets the payload encoding.
func WithCodec(c Codec) WriterOption {
	return func(cfg *writerConfig) {
		cfg.codec = c
	}
}

// WithCharacter binds the payload as text for character LOB columns.
func WithCharacter() WriterOption {
	return func(cfg *writerConfig) {
		cfg.character = true
	}
}

// WithTxOptions sets the options of the transaction the writer opens.
func WithTxOptions(opts *sql.TxOptions) WriterOption {
	return func(cfg *writerConfig) {
		cfg.txOptions = opts
	}
}

// WithLogger sets the logger.
func WithLogger(l tablequeue.Logger) WriterOption {
	return func(cfg *writerConfig) {
		cfg.logger = l
	}
}

// Writer streams a payload into one row's LOB column.
type Writer struct {
	ctx      context.Context
	tx       *sql.Tx
	adapter  dialect.Adapter
	target   Target
	cfg      writerConfig
	buf      bytes.Buffer
	enc      io.WriteCloser
	closers  []func() error
	warnings []dialect.Warning
	ownsTx   bool
	done     bool
	err      error
}

// OpenWriter begins a transaction on conn, locks the target row and returns a
// writer for its LOB column. The writer owns conn from here on: Close commits
// and releases it, Abort rolls back and releases it.
func OpenWriter(ctx context.Context, conn *tablequeue.Conn, adapter dialect.Adapter, target Target, opts ...WriterOption) (*Writer, error) {
	cfg := newWriterConfig(opts)
	if err := checkOpen(adapter, target, cfg); err != nil {
		return nil, errors.Join(err, conn.Release())
	}

	tx, err := conn.BeginTx(ctx, cfg.txOptions)
	if err != nil {
		return nil, errors.Join(tablequeue.NewStorageError("begin lob transaction", "", err), conn.Release())
	}

	w := &Writer{ctx: ctx, tx: tx, adapter: adapter, target: target, cfg: cfg, ownsTx: true}
	w.push(conn.Release)
	w.push(func() error {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return err
		}

		return nil
	})
	if err := w.locate(); err != nil {
		return nil, errors.Join(err, w.unwind())
	}

	return w, nil
}

// OpenWriterTx opens a writer inside a caller-owned transaction. Close writes
// the payload but neither commits nor releases anything.
func OpenWriterTx(ctx context.Context, tx *sql.Tx, adapter dialect.Adapter, target Target, opts ...WriterOption) (*Writer, error) {
	cfg := newWriterConfig(opts)
	if err := checkOpen(adapter, target, cfg); err != nil {
		return nil, err
	}

	w := &Writer{ctx: ctx, tx: tx, adapter: adapter, target: target, cfg: cfg}
	if err := w.locate(); err != nil {
		return nil, err
	}

	return w, nil
}

// WithWriter opens a writer, hands it to fn and closes it on every path. An
// error from fn aborts the write.
func WithWriter(ctx context.Context, conn *tablequeue.Conn, adapter dialect.Adapter, target Target, fn func(io.Writer) error, opts ...WriterOption) ([]dialect.Warning, error) {
	w, err := OpenWriter(ctx, conn, adapter, target, opts...)
	if err != nil {
		return nil, err
	}

	var fnErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				_ = w.Abort(fmt.Errorf("tablequeue lob: writer callback panic: %v", r))
				panic(r)
			}
		}()
		fnErr = fn(w)
	}()
	if fnErr != nil {
		return nil, w.Abort(fnErr)
	}
	if err := w.Close(); err != nil {
		return w.Warnings(), err
	}

	return w.Warnings(), nil
}

func newWriterConfig(opts []WriterOption) writerConfig {
	var cfg writerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = tablequeue.LoggerOrNop(cfg.logger)

	return cfg
}

func checkOpen(adapter dialect.Adapter, target Target, cfg writerConfig) error {
	if adapter == nil {
		return tablequeue.Configf("dialect adapter is required")
	}
	if err := target.validate(); err != nil {
		return err
	}
	if cfg.character && cfg.codec.Compress {
		return tablequeue.Configf("compressed payloads need a binary lob column")
	}

	return nil
}

// locate takes the row lock. The cursor is closed before the final UPDATE
// because drivers cannot interleave a live cursor with another statement.
func (w *Writer) locate() error {
	query := w.adapter.Rebind(w.adapter.LockRowQuery(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = ?", w.target.Column, w.target.Table, w.target.KeyColumn,
	)))

	rows, err := w.tx.QueryContext(w.ctx, query, tablequeue.KeyValue(w.target.Key))
	if err != nil {
		return tablequeue.NewStorageError("locate lob", query, err)
	}
	found := rows.Next()
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return tablequeue.NewStorageError("locate lob", query, err)
	}
	if !found {
		return fmt.Errorf("%w: key %s", tablequeue.ErrNotFound, w.target.Key)
	}

	w.enc = w.cfg.codec.NewEncoder(&w.buf)

	return nil
}

func (w *Writer) push(fn func() error) {
	w.closers = append(w.closers, fn)
}

// unwind runs the closers in reverse order. A failing closer does not stop
// the ones after it.
func (w *Writer) unwind() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	if err := errors.Join(errs...); err != nil {
		w.cfg.logger.Warn("tablequeue lob release failed", "table", w.target.Table, "key", w.target.Key, "err", err)
		return tablequeue.NewStorageError("release lob", "", err)
	}

	return nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("tablequeue lob: write after close")
	}

	return w.enc.Write(p)
}

// WriteString writes s.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Close flushes the encoder, writes the payload into the row, collects
// warnings, commits and releases the connection. Only the first call acts.
func (w *Writer) Close() error {
	if w.done {
		return w.err
	}
	w.done = true

	if err := w.commit(); err != nil {
		w.err = errors.Join(err, w.unwind())
		return w.err
	}
	w.err = w.unwind()

	return w.err
}

// Abort discards the write. cause is returned joined with any release error.
func (w *Writer) Abort(cause error) error {
	if w.done {
		return errors.Join(cause, w.err)
	}
	w.done = true
	w.err = errors.Join(cause, w.unwind())

	return w.err
}

// Warnings returns the non-fatal database warnings collected by Close.
func (w *Writer) Warnings() []dialect.Warning {
	return w.warnings
}

func (w *Writer) commit() error {
	if err := w.enc.Close(); err != nil {
		return tablequeue.NewStorageError("flush lob", "", err)
	}

	var value any = w.buf.Bytes()
	if w.cfg.character {
		value = w.buf.String()
	} else if w.buf.Len() == 0 {
		value = []byte{}
	}

	query := w.adapter.Rebind(fmt.Sprintf(
		"UPDATE %s SET %s = ? WHERE %s = ?", w.target.Table, w.target.Column, w.target.KeyColumn,
	))
	res, err := w.tx.ExecContext(w.ctx, query, value, tablequeue.KeyValue(w.target.Key))
	if err != nil {
		return tablequeue.NewStorageError("update lob", query, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: key %s", tablequeue.ErrNotFound, w.target.Key)
	}

	warnings, err := w.adapter.Warnings(w.ctx, w.tx)
	if err != nil {
		w.cfg.logger.Warn("tablequeue lob warnings unavailable", "err", err)
	}
	w.warnings = warnings
	for _, warning := range warnings {
		w.cfg.logger.Warn("tablequeue lob write warning", "level", warning.Level, "code", warning.Code, "message", warning.Message)
	}

	if !w.ownsTx {
		return nil
	}
	if err := w.tx.Commit(); err != nil {
		return tablequeue.NewStorageError("commit lob", "", err)
	}

	return nil
}
