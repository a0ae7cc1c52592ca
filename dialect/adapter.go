package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/velmie/tablequeue"
)

// Canonical dialect names.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
	MariaDB  = "mariadb"
	Oracle   = "oracle"
	MSSQL    = "mssql"
	H2       = "h2"
	SQLite   = "sqlite"
	Generic  = "generic"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Locker covers row locking for work queues.
type Locker interface {
	// HasSkipLockedSupport reports whether locked rows can be skipped instead of waited on.
	HasSkipLockedSupport() bool
	// PrepareWorkQueueReadQuery rewrites a SELECT so that it locks at most fetchSize rows.
	// lockWait < 0 selects the dialect default, 0 means no wait, n > 0 waits n seconds
	// where the dialect supports it.
	PrepareWorkQueueReadQuery(fetchSize int, query string, lockWait int) (string, error)
	// HonorsLockWait reports whether PrepareWorkQueueReadQuery applies a
	// lockWait >= 0 instead of its default locking clause.
	HonorsLockWait() bool
	// PrepareWorkQueuePeekQuery rewrites a SELECT into a non-locking single-row probe.
	PrepareWorkQueuePeekQuery(query string) (string, error)
	// LockRowQuery makes a single-row SELECT take a blocking row lock.
	LockRowQuery(query string) string
	// IsLockBusy reports whether err means "row locked by someone else".
	IsLockBusy(err error) bool
	// PeekTxOptions returns the options for the availability probe, nil for no transaction.
	PeekTxOptions() *sql.TxOptions
	// ClaimTxOptions returns the options for the locking claim transaction.
	ClaimTxOptions() *sql.TxOptions
}

// KeyStrategy tells how the key of an inserted row is obtained.
type KeyStrategy int

const (
	// KeyReturning appends a RETURNING clause to the insert.
	KeyReturning KeyStrategy = iota + 1
	// KeyLastInsertID uses sql.Result.LastInsertId.
	KeyLastInsertID
	// KeySequence inserts the next sequence value and reads it back with InsertedKeyQuery.
	KeySequence
	// KeyFollowup runs InsertedKeyQuery on the same session after the insert.
	KeyFollowup
	// KeyLookup selects the newest key matching the inserted message.
	KeyLookup
)

// KeyGenerator covers generated primary keys.
type KeyGenerator interface {
	KeyStrategy() KeyStrategy
	// NextKeyValue is the key column expression for KeySequence inserts.
	NextKeyValue(sequence string) string
	// InsertedKeyQuery reads back the key for KeySequence and KeyFollowup.
	InsertedKeyQuery(sequence string) string
	// ReturningClause is appended to inserts for KeyReturning.
	ReturningClause(keyColumn string) string
}

// LobStrategy tells how large payloads are written.
type LobStrategy int

const (
	// LobInline binds the payload directly in the insert.
	LobInline LobStrategy = iota + 1
	// LobLocator inserts an empty LOB, then locks the row and updates the payload.
	LobLocator
)

// Warning is a non-fatal diagnostic reported by the database.
type Warning struct {
	Level   string
	Code    int
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %d: %s", w.Level, w.Code, w.Message)
}

// LobSupport covers large object writes.
type LobSupport interface {
	LobStrategy() LobStrategy
	// EmptyLobValue is the SQL literal for an empty LOB placeholder.
	EmptyLobValue() string
	// Warnings collects warnings raised by the last statement on q's session.
	Warnings(ctx context.Context, q Querier) ([]Warning, error)
}

// QueryTranslator covers SQL text adaptation.
type QueryTranslator interface {
	// ConvertQuery translates query from the dialect it was written for.
	ConvertQuery(query, fromDialect string) (string, error)
	// Rebind converts '?' placeholders to the native style.
	Rebind(query string) string
	// SysDate is the current timestamp expression.
	SysDate() string
	// FromDual is the FROM clause required by a SELECT without a table, including a leading space.
	FromDual() string
}

// Maintenance covers bulk deletes and advisory locking used by sweepers.
type Maintenance interface {
	DeleteLimitedQuery(table, keyColumn, where string, limit int) string
	// AdvisoryLock tries to take a session-level named lock without waiting.
	AdvisoryLock(ctx context.Context, q Querier, name string) (bool, error)
	AdvisoryUnlock(ctx context.Context, q Querier, name string) error
}

// Adapter is the complete per-vendor contract.
type Adapter interface {
	Name() string
	Version() string
	Locker
	KeyGenerator
	LobSupport
	QueryTranslator
	Maintenance
}

// Config holds adapter settings.
type Config struct {
	// Version of the database server, "major.minor". Empty assumes a current release.
	Version string
	// Cache holds translators. Adapters sharing a cache share compiled translators.
	Cache *TranslatorCache
	// Lob overrides the vendor's LOB strategy.
	Lob    LobStrategy
	Logger tablequeue.Logger
}

// Option configures an Adapter.
type Option func(*Config)

// WithVersion sets the server version used for feature gating.
func WithVersion(version string) Option {
	return func(c *Config) {
		c.Version = version
	}
}

// WithTranslatorCache injects a translator cache.
func WithTranslatorCache(cache *TranslatorCache) Option {
	return func(c *Config) {
		c.Cache = cache
	}
}

// WithLobStrategy overrides how payloads are written.
func WithLobStrategy(strategy LobStrategy) Option {
	return func(c *Config) {
		c.Lob = strategy
	}
}

// WithLogger sets the logger for translation warnings.
func WithLogger(logger tablequeue.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

var aliases = map[string]string{
	"postgres":   Postgres,
	"postgresql": Postgres,
	"pgx":        Postgres,
	"pgx/v5":     Postgres,
	"mysql":      MySQL,
	"mariadb":    MariaDB,
	"oracle":     Oracle,
	"godror":     Oracle,
	"mssql":      MSSQL,
	"sqlserver":  MSSQL,
	"h2":         H2,
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"generic":    Generic,
}

// Canonical resolves an alias such as "postgresql" or "sqlserver" to a dialect name.
func Canonical(name string) (string, bool) {
	canonical, ok := aliases[strings.ToLower(strings.TrimSpace(name))]

	return canonical, ok
}

// Lookup returns the adapter for a dialect name or database/sql driver name.
func Lookup(name string, opts ...Option) (Adapter, error) {
	canonical, ok := Canonical(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, name)
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Cache == nil {
		cfg.Cache = NewTranslatorCache()
	}
	cfg.Logger = tablequeue.LoggerOrNop(cfg.Logger)

	switch canonical {
	case Postgres:
		return newPostgres(cfg), nil
	case MySQL:
		return newMySQL(cfg), nil
	case MariaDB:
		return newMariaDB(cfg), nil
	case Oracle:
		return newOracle(cfg), nil
	case MSSQL:
		return newMSSQL(cfg), nil
	case H2:
		return newH2(cfg), nil
	case SQLite:
		return newSQLite(cfg), nil
	default:
		return newGeneric(cfg), nil
	}
}

// MustLookup is like Lookup but panics on error.
func MustLookup(name string, opts ...Option) Adapter {
	adapter, err := Lookup(name, opts...)
	if err != nil {
		panic(err)
	}

	return adapter
}
