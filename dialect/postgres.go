package dialect

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresAdapter targets PostgreSQL 9.5 and later.
type PostgresAdapter struct {
	base
}

func newPostgres(cfg Config) *PostgresAdapter {
	a := &PostgresAdapter{base: base{name: Postgres, cfg: cfg}}
	a.self = a

	return a
}

// HasSkipLockedSupport implements Locker.
func (a *PostgresAdapter) HasSkipLockedSupport() bool { return true }

// PrepareWorkQueueReadQuery implements Locker. lockWait is irrelevant with SKIP LOCKED.
func (a *PostgresAdapter) PrepareWorkQueueReadQuery(fetchSize int, query string, _ int) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}

	return q + limitClause(fetchSize) + " FOR UPDATE SKIP LOCKED", nil
}

// IsLockBusy implements Locker.
func (a *PostgresAdapter) IsLockBusy(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == pgerrcode.LockNotAvailable
}

// Rebind implements QueryTranslator.
func (a *PostgresAdapter) Rebind(query string) string {
	return numberedRebind(query, "$")
}

// KeyStrategy implements KeyGenerator.
func (a *PostgresAdapter) KeyStrategy() KeyStrategy { return KeyReturning }

// ReturningClause implements KeyGenerator.
func (a *PostgresAdapter) ReturningClause(keyColumn string) string {
	return " RETURNING " + keyColumn
}

// NextKeyValue implements KeyGenerator.
func (a *PostgresAdapter) NextKeyValue(sequence string) string {
	return fmt.Sprintf("nextval('%s')", sequence)
}

// EmptyLobValue implements LobSupport.
func (a *PostgresAdapter) EmptyLobValue() string { return "''::bytea" }

// AdvisoryLock implements Maintenance.
func (a *PostgresAdapter) AdvisoryLock(ctx context.Context, q Querier, name string) (bool, error) {
	var got bool
	if err := q.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&got); err != nil {
		return false, err
	}

	return got, nil
}

// AdvisoryUnlock implements Maintenance.
func (a *PostgresAdapter) AdvisoryUnlock(ctx context.Context, q Querier, name string) error {
	var released bool

	return q.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name).Scan(&released)
}
