package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlLockWaitTimeout = 1205
	mysqlLockNoWait      = 3572
)

// MySQLAdapter targets MySQL. SKIP LOCKED is used from 8.0 on.
type MySQLAdapter struct {
	base
}

func newMySQL(cfg Config) *MySQLAdapter {
	a := &MySQLAdapter{base: base{name: MySQL, cfg: cfg}}
	a.self = a

	return a
}

// HasSkipLockedSupport implements Locker.
func (a *MySQLAdapter) HasSkipLockedSupport() bool {
	return versionAtLeast(a.cfg.Version, 8, 0)
}

// PrepareWorkQueueReadQuery implements Locker. Servers before 8.0 wait up to
// innodb_lock_wait_timeout and report 1205, which IsLockBusy maps to "no message".
func (a *MySQLAdapter) PrepareWorkQueueReadQuery(fetchSize int, query string, _ int) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}
	q += limitClause(fetchSize) + " FOR UPDATE"
	if a.HasSkipLockedSupport() {
		return q + " SKIP LOCKED", nil
	}

	return q, nil
}

// IsLockBusy implements Locker.
func (a *MySQLAdapter) IsLockBusy(err error) bool {
	return isMySQLLockBusy(err)
}

// ClaimTxOptions implements Locker. REPEATABLE READ gap locks would serialize claimers.
func (a *MySQLAdapter) ClaimTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// SysDate implements QueryTranslator.
func (a *MySQLAdapter) SysDate() string { return "NOW()" }

// FromDual implements QueryTranslator.
func (a *MySQLAdapter) FromDual() string { return " FROM DUAL" }

// KeyStrategy implements KeyGenerator.
func (a *MySQLAdapter) KeyStrategy() KeyStrategy { return KeyLastInsertID }

// Warnings implements LobSupport.
func (a *MySQLAdapter) Warnings(ctx context.Context, q Querier) ([]Warning, error) {
	return showWarnings(ctx, q)
}

// DeleteLimitedQuery implements Maintenance.
func (a *MySQLAdapter) DeleteLimitedQuery(table, keyColumn, where string, limit int) string {
	return mysqlDeleteLimited(table, keyColumn, where, limit)
}

// AdvisoryLock implements Maintenance.
func (a *MySQLAdapter) AdvisoryLock(ctx context.Context, q Querier, name string) (bool, error) {
	return scanLock(q.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name))
}

// AdvisoryUnlock implements Maintenance.
func (a *MySQLAdapter) AdvisoryUnlock(ctx context.Context, q Querier, name string) error {
	_, err := scanLock(q.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", name))

	return err
}

// MariaDBAdapter targets MariaDB. SKIP LOCKED is used from 10.6 on; older
// servers lock with NOWAIT or WAIT n and report busy rows as lock errors.
type MariaDBAdapter struct {
	MySQLAdapter
}

func newMariaDB(cfg Config) *MariaDBAdapter {
	a := &MariaDBAdapter{MySQLAdapter: MySQLAdapter{base: base{name: MariaDB, cfg: cfg}}}
	a.self = a

	return a
}

// HasSkipLockedSupport implements Locker.
func (a *MariaDBAdapter) HasSkipLockedSupport() bool {
	return versionAtLeast(a.cfg.Version, 10, 6)
}

// HonorsLockWait implements Locker.
func (a *MariaDBAdapter) HonorsLockWait() bool { return true }

// PrepareWorkQueueReadQuery implements Locker.
func (a *MariaDBAdapter) PrepareWorkQueueReadQuery(fetchSize int, query string, lockWait int) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}
	q += limitClause(fetchSize) + " FOR UPDATE"
	switch {
	case a.HasSkipLockedSupport() && lockWait < 0:
		return q + " SKIP LOCKED", nil
	case lockWait > 0:
		return q + " WAIT " + strconv.Itoa(lockWait), nil
	default:
		return q + " NOWAIT", nil
	}
}

func isMySQLLockBusy(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}

	return myErr.Number == mysqlLockWaitTimeout || myErr.Number == mysqlLockNoWait
}

func showWarnings(ctx context.Context, q Querier) ([]Warning, error) {
	rows, err := q.QueryContext(ctx, "SHOW WARNINGS")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warnings []Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.Level, &w.Code, &w.Message); err != nil {
			return nil, err
		}
		warnings = append(warnings, w)
	}

	return warnings, rows.Err()
}

func mysqlDeleteLimited(table, keyColumn, where string, limit int) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s ORDER BY %s%s", table, where, keyColumn, limitClause(limit))
}
