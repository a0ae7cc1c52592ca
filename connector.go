package tablequeue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Connector hands out connections for single operations.
type Connector interface {
	// Acquire returns a connection that must be released with Conn.Release.
	Acquire(ctx context.Context) (*Conn, error)
	// Pooled reports whether every Acquire may return a different session.
	Pooled() bool
}

// Conn is a connection borrowed from a Connector.
type Conn struct {
	*sql.Conn

	release func() error
	once    sync.Once
	err     error
}

// NewConn binds a release function to c. Release runs fn at most once.
func NewConn(c *sql.Conn, release func() error) *Conn {
	return &Conn{Conn: c, release: release}
}

// Release returns the connection to its owner. Calling it again is a no-op.
func (c *Conn) Release() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		if c.release != nil {
			c.err = c.release()
		}
	})

	return c.err
}

// ConnectorConfig holds connection acquisition settings.
type ConnectorConfig struct {
	// AcquireTimeout bounds Acquire. Zero waits as long as the context allows.
	AcquireTimeout time.Duration
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*ConnectorConfig)

// WithAcquireTimeout bounds connection acquisition. Expiry yields ErrTimeout.
func WithAcquireTimeout(d time.Duration) ConnectorOption {
	return func(c *ConnectorConfig) {
		c.AcquireTimeout = d
	}
}

// PooledConnector takes a fresh pool connection per operation.
type PooledConnector struct {
	db  *sql.DB
	cfg ConnectorConfig
}

var _ Connector = (*PooledConnector)(nil)

// NewPooledConnector returns a connector that acquires right before and releases right after each operation.
func NewPooledConnector(db *sql.DB, opts ...ConnectorOption) (*PooledConnector, error) {
	if db == nil {
		return nil, Configf("db is required")
	}
	var cfg ConnectorConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &PooledConnector{db: db, cfg: cfg}, nil
}

// Acquire implements Connector.
func (p *PooledConnector) Acquire(ctx context.Context) (*Conn, error) {
	acquireCtx, cancel := withAcquireTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		return nil, acquireError(ctx, acquireCtx, err)
	}

	return NewConn(conn, conn.Close), nil
}

// Pooled implements Connector.
func (p *PooledConnector) Pooled() bool {
	return true
}

// DirectConnector holds one session for its whole lifetime and lends it to one caller at a time.
type DirectConnector struct {
	cfg  ConnectorConfig
	conn *sql.Conn
	sem  chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ Connector = (*DirectConnector)(nil)

// NewDirectConnector opens the session that every Acquire will share.
func NewDirectConnector(ctx context.Context, db *sql.DB, opts ...ConnectorOption) (*DirectConnector, error) {
	if db == nil {
		return nil, Configf("db is required")
	}
	var cfg ConnectorConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, NewStorageError("open direct connection", "", err)
	}

	return &DirectConnector{cfg: cfg, conn: conn, sem: make(chan struct{}, 1)}, nil
}

// Acquire waits for exclusive use of the held session.
func (d *DirectConnector) Acquire(ctx context.Context) (*Conn, error) {
	acquireCtx, cancel := withAcquireTimeout(ctx, d.cfg.AcquireTimeout)
	defer cancel()

	select {
	case d.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, acquireError(ctx, acquireCtx, acquireCtx.Err())
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		<-d.sem

		return nil, ErrConnectorClosed
	}

	return NewConn(d.conn, func() error {
		<-d.sem

		return nil
	}), nil
}

// Pooled implements Connector.
func (d *DirectConnector) Pooled() bool {
	return false
}

// Close waits for the current borrower and closes the session.
func (d *DirectConnector) Close() error {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	return d.conn.Close()
}

func withAcquireTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, timeout)
}

func acquireError(parent, acquireCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: connection not acquired: %v", ErrTimeout, err)
	}
	if parent.Err() != nil {
		return parent.Err()
	}

	return NewStorageError("acquire connection", "", err)
}
