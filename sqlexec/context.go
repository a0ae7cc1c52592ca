package sqlexec

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/velmie/tablequeue"
)

// Preparer is satisfied by *sql.Conn and *sql.Tx.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Result is the outcome of one Run.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	// Key holds the value read by the follow-up statement, if any.
	Key string
	// Pending reports that the call was queued in a batch and not executed yet.
	Pending bool
}

type contextConfig struct {
	followup     string
	lastInsertID bool
	batchSize    int
	release      func() error
}

// Option configures a Context.
type Option func(*contextConfig)

// WithFollowup prepares a second statement on the same session, run after each
// Exec to fetch a side effect such as the generated key.
func WithFollowup(query string) Option {
	return func(c *contextConfig) {
		c.followup = query
	}
}

// WithLastInsertID reports the driver's last insert id as Result.Key.
func WithLastInsertID() Option {
	return func(c *contextConfig) {
		c.lastInsertID = true
	}
}

// WithBatchSize queues Exec calls and executes them every n calls and on Close.
func WithBatchSize(n int) Option {
	return func(c *contextConfig) {
		c.batchSize = n
	}
}

// WithRelease hands connection ownership to the Context; fn runs last on Close.
func WithRelease(fn func() error) Option {
	return func(c *contextConfig) {
		c.release = fn
	}
}

// Context is a single-use execution bundle: SQL, statement, optional follow-up
// statement and connection. It must not be shared between goroutines.
type Context struct {
	plan     *Plan
	cfg      contextConfig
	stmt     *sql.Stmt
	followup *sql.Stmt
	pending  [][]any
	closed   bool
}

// Open prepares the plan on conn.
func (p *Plan) Open(ctx context.Context, conn Preparer, opts ...Option) (*Context, error) {
	var cfg contextConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ec := &Context{plan: p, cfg: cfg}
	stmt, err := conn.PrepareContext(ctx, p.sql)
	if err != nil {
		return nil, errors.Join(tablequeue.NewStorageError("prepare", p.sql, err), ec.releaseConn())
	}
	ec.stmt = stmt

	if cfg.followup != "" {
		query := p.adapter.Rebind(cfg.followup)
		followup, err := conn.PrepareContext(ctx, query)
		if err != nil {
			return nil, errors.Join(tablequeue.NewStorageError("prepare follow-up", query, err), ec.Close())
		}
		ec.followup = followup
	}

	return ec, nil
}

// Run executes the statement according to the plan's Kind.
func (c *Context) Run(ctx context.Context, params ...Param) (Result, error) {
	if c.closed {
		return Result{}, ErrClosed
	}

	switch kind := c.plan.kind.(type) {
	case Select:
		return c.runSelect(ctx, params, kind.MaxRows)
	case Call:
		return c.runSelect(ctx, params, 0)
	case UpdateLob:
		encoded, err := encodeLobParam(params, kind)
		if err != nil {
			return Result{}, tablequeue.NewStorageError("encode lob", c.plan.sql, err)
		}

		return c.runExec(ctx, encoded)
	case Exec:
		return c.runExec(ctx, params)
	default:
		return Result{}, fmt.Errorf("tablequeue sqlexec: unsupported kind %T", kind)
	}
}

// Query runs the statement and returns the open cursor. The caller closes it
// before closing the Context.
func (c *Context) Query(ctx context.Context, params ...Param) (*sql.Rows, error) {
	if c.closed {
		return nil, ErrClosed
	}
	args, err := c.plan.Args(params)
	if err != nil {
		return nil, err
	}
	rows, err := c.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, tablequeue.NewStorageError("query", c.plan.sql, err)
	}

	return rows, nil
}

func (c *Context) runSelect(ctx context.Context, params []Param, maxRows int) (Result, error) {
	rows, err := c.Query(ctx, params...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, tablequeue.NewStorageError("columns", c.plan.sql, err)
	}

	res := Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, tablequeue.NewStorageError("scan", c.plan.sql, err)
		}
		res.Rows = append(res.Rows, values)
		if maxRows > 0 && len(res.Rows) >= maxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return Result{}, tablequeue.NewStorageError("rows", c.plan.sql, err)
	}

	return res, nil
}

func (c *Context) runExec(ctx context.Context, params []Param) (Result, error) {
	args, err := c.plan.Args(params)
	if err != nil {
		return Result{}, err
	}

	if c.cfg.batchSize > 0 {
		c.pending = append(c.pending, args)
		if len(c.pending) < c.cfg.batchSize {
			return Result{Pending: true}, nil
		}
		affected, err := c.flush(ctx)

		return Result{RowsAffected: affected}, err
	}

	res, err := c.stmt.ExecContext(ctx, args...)
	if err != nil {
		return Result{}, tablequeue.NewStorageError("exec", c.plan.sql, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Result{}, tablequeue.NewStorageError("rows affected", c.plan.sql, err)
	}

	out := Result{RowsAffected: affected}
	if c.cfg.lastInsertID && affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return Result{}, tablequeue.NewStorageError("last insert id", c.plan.sql, err)
		}
		out.Key = strconv.FormatInt(id, 10)
	}
	if c.followup != nil && affected > 0 {
		var key sql.NullString
		if err := c.followup.QueryRowContext(ctx).Scan(&key); err != nil {
			return Result{}, tablequeue.NewStorageError("follow-up", c.cfg.followup, err)
		}
		out.Key = key.String
	}

	return out, nil
}

// Flush executes queued batch calls now.
func (c *Context) Flush(ctx context.Context) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}

	return c.flush(ctx)
}

func (c *Context) flush(ctx context.Context) (int64, error) {
	pending := c.pending
	c.pending = nil

	var total int64
	for _, args := range pending {
		res, err := c.stmt.ExecContext(ctx, args...)
		if err != nil {
			return total, tablequeue.NewStorageError("batch exec", c.plan.sql, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, tablequeue.NewStorageError("rows affected", c.plan.sql, err)
		}
		total += affected
	}

	return total, nil
}

// Discard drops queued batch calls without executing them.
func (c *Context) Discard() {
	c.pending = nil
}

// Close flushes a partial batch, closes the statements in reverse order and
// releases the connection when owned. It is safe to call more than once.
func (c *Context) Close() error {
	return c.CloseContext(context.Background())
}

// CloseContext is Close with a context for the final batch flush.
func (c *Context) CloseContext(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if len(c.pending) > 0 {
		if _, err := c.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.followup != nil {
		if err := c.followup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tablequeue sqlexec: close follow-up: %w", err))
		}
	}
	if c.stmt != nil {
		if err := c.stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tablequeue sqlexec: close statement: %w", err))
		}
	}
	if err := c.releaseConn(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		c.plan.logger.Warn("tablequeue execution context close failed", "err", errors.Join(errs...))
	}

	return errors.Join(errs...)
}

func (c *Context) releaseConn() error {
	release := c.cfg.release
	c.cfg.release = nil
	if release == nil {
		return nil
	}
	if err := release(); err != nil {
		return fmt.Errorf("tablequeue sqlexec: release connection: %w", err)
	}

	return nil
}

func encodeLobParam(params []Param, kind UpdateLob) ([]Param, error) {
	out := make([]Param, len(params))
	copy(out, params)
	for i, p := range out {
		if p.Name != kind.Param {
			continue
		}
		raw, err := payloadBytes(p.Value)
		if err != nil {
			return nil, err
		}
		encoded, err := kind.Codec.Encode(raw)
		if err != nil {
			return nil, err
		}
		if kind.Character {
			out[i].Value = string(encoded)
		} else {
			out[i].Value = encoded
		}

		return out, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrMissingParam, kind.Param)
}

func payloadBytes(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case io.Reader:
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(val); err != nil {
			return nil, err
		}

		return buf.Bytes(), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tablequeue sqlexec: unsupported lob value %T", v)
	}
}
