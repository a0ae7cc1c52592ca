package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/sqlexec"
)

// IterateOptions bounds an Iterate call. Zero times are unbounded.
type IterateOptions struct {
	// Start is inclusive.
	Start time.Time
	// End is exclusive.
	End time.Time
	// Order is ASC or DESC; empty uses the log's order.
	Order string
}

// Iterator walks message metadata forward only. It holds a connection until Close.
type Iterator struct {
	log    *Log
	ec     *sqlexec.Context
	rows   *sql.Rows
	meta   tablequeue.MessageMeta
	err    error
	closed bool
}

// Iterate lists message metadata of the log's type and slot by insert date.
func (l *Log) Iterate(ctx context.Context, opts IterateOptions) (*Iterator, error) {
	opts.Order = strings.ToUpper(opts.Order)
	if opts.Order == "" {
		opts.Order = l.cfg.Order
	}
	if opts.Order != "ASC" && opts.Order != "DESC" {
		return nil, tablequeue.Configf("invalid iterate order %q", opts.Order)
	}

	plan, err := sqlexec.Compile(l.adapter, sqlexec.Query{SQL: l.builder.iterateSQL(opts), Kind: sqlexec.Select{}}, l.opts.logger)
	if err != nil {
		return nil, err
	}

	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	ec, err := plan.Open(ctx, conn, sqlexec.WithRelease(conn.Release))
	if err != nil {
		return nil, err
	}

	params := append(l.selectorParams(), sqlexec.P(paramStart, opts.Start.UTC()), sqlexec.P(paramEnd, opts.End.UTC()))
	rows, err := ec.Query(ctx, params...)
	if err != nil {
		return nil, errors.Join(err, ec.Close())
	}

	return &Iterator{log: l, ec: ec, rows: rows}, nil
}

// Next advances to the next row. It returns false at the end or on error.
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = tablequeue.NewStorageError("iterate", "", err)
		}

		return false
	}

	it.meta, _, it.err = it.log.scanMeta(it.rows, false)

	return it.err == nil
}

// Meta returns the current row.
func (it *Iterator) Meta() tablequeue.MessageMeta {
	return it.meta
}

// Err returns the first error met by Next.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the cursor, the statement and the connection, in that order.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true

	return errors.Join(it.rows.Close(), it.ec.Close())
}
