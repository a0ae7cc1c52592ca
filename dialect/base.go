package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// base carries behavior shared by most vendors. Vendors embed it and override
// what differs; self points at the embedding adapter so shared code sees overrides.
type base struct {
	name string
	cfg  Config
	self Adapter
	lob  LobStrategy
}

func (b *base) Name() string    { return b.name }
func (b *base) Version() string { return b.cfg.Version }

func (b *base) ConvertQuery(query, fromDialect string) (string, error) {
	return convertQuery(b.self, b.cfg, query, fromDialect)
}

func (b *base) Rebind(query string) string { return query }
func (b *base) SysDate() string            { return "CURRENT_TIMESTAMP" }
func (b *base) FromDual() string           { return "" }

func (b *base) HasSkipLockedSupport() bool { return false }

// HonorsLockWait implements Locker.
func (b *base) HonorsLockWait() bool { return false }

func (b *base) PrepareWorkQueueReadQuery(fetchSize int, query string, _ int) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}

	return q + limitClause(fetchSize) + " FOR UPDATE", nil
}

func (b *base) PrepareWorkQueuePeekQuery(query string) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}

	return q + limitClause(1), nil
}

func (b *base) LockRowQuery(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), ";") + " FOR UPDATE"
}

// IsLockBusy falls back to the message text heuristic: a lock wait that timed out.
func (b *base) IsLockBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "timeout") && strings.Contains(msg, "lock")
}

func (b *base) PeekTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true}
}

func (b *base) ClaimTxOptions() *sql.TxOptions { return nil }

func (b *base) KeyStrategy() KeyStrategy       { return KeyLookup }
func (b *base) NextKeyValue(string) string     { return "" }
func (b *base) InsertedKeyQuery(string) string { return "" }
func (b *base) ReturningClause(string) string  { return "" }
func (b *base) EmptyLobValue() string          { return "''" }

func (b *base) LobStrategy() LobStrategy {
	if b.cfg.Lob != 0 {
		return b.cfg.Lob
	}
	if b.lob != 0 {
		return b.lob
	}

	return LobInline
}

func (b *base) Warnings(context.Context, Querier) ([]Warning, error) { return nil, nil }

// DeleteLimitedQuery deletes through a keyed subquery, which most engines accept.
func (b *base) DeleteLimitedQuery(table, keyColumn, where string, limit int) string {
	return fmt.Sprintf(
		"DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s ORDER BY %s%s)",
		table, keyColumn, keyColumn, table, where, keyColumn, limitClause(limit),
	)
}

// AdvisoryLock always succeeds on engines without named locks.
func (b *base) AdvisoryLock(context.Context, Querier, string) (bool, error) { return true, nil }
func (b *base) AdvisoryUnlock(context.Context, Querier, string) error       { return nil }

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}

	return " LIMIT " + strconv.Itoa(n)
}

// numberedRebind replaces '?' outside literals with prefix+ordinal.
func numberedRebind(query, prefix string) string {
	n := 0

	return mapCode(query, func(code string) string {
		if !strings.Contains(code, "?") {
			return code
		}
		var b strings.Builder
		b.Grow(len(code) + 8)
		for i := 0; i < len(code); i++ {
			if code[i] != '?' {
				b.WriteByte(code[i])

				continue
			}
			n++
			b.WriteString(prefix)
			b.WriteString(strconv.Itoa(n))
		}

		return b.String()
	})
}

func scanLock(row *sql.Row) (bool, error) {
	var got sql.NullInt64
	if err := row.Scan(&got); err != nil {
		return false, err
	}

	return got.Valid && got.Int64 == 1, nil
}
