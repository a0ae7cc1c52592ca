package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	mssqlReadPastHint = "WITH (ROWLOCK, UPDLOCK, READPAST)"
	mssqlRowLockHint  = "WITH (ROWLOCK, UPDLOCK)"
)

var (
	selectPrefix = regexp.MustCompile(`(?i)^\s*SELECT\s+(DISTINCT\s+)?`)
	fromTable    = regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z0-9_.\[\]"]+)(\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*))?`)
)

var mssqlReserved = map[string]bool{
	"WHERE": true, "ORDER": true, "GROUP": true, "JOIN": true, "INNER": true,
	"LEFT": true, "RIGHT": true, "CROSS": true, "OUTER": true, "HAVING": true,
	"UNION": true, "WITH": true, "OPTION": true,
}

// MSSQLAdapter targets SQL Server, which locks through table hints instead of FOR UPDATE.
type MSSQLAdapter struct {
	base
}

func newMSSQL(cfg Config) *MSSQLAdapter {
	a := &MSSQLAdapter{base: base{name: MSSQL, cfg: cfg}}
	a.self = a

	return a
}

// HasSkipLockedSupport implements Locker. READPAST skips locked rows.
func (a *MSSQLAdapter) HasSkipLockedSupport() bool { return true }

// PrepareWorkQueueReadQuery implements Locker.
func (a *MSSQLAdapter) PrepareWorkQueueReadQuery(fetchSize int, query string, _ int) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}

	return addTableHint(withTop(q, fetchSize), mssqlReadPastHint), nil
}

// PrepareWorkQueuePeekQuery implements Locker.
func (a *MSSQLAdapter) PrepareWorkQueuePeekQuery(query string) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}

	return withTop(q, 1), nil
}

// LockRowQuery implements Locker.
func (a *MSSQLAdapter) LockRowQuery(query string) string {
	return addTableHint(strings.TrimRight(strings.TrimSpace(query), ";"), mssqlRowLockHint)
}

// IsLockBusy implements Locker: error 1222, lock request time out period exceeded.
func (a *MSSQLAdapter) IsLockBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	return strings.Contains(msg, "1222") || strings.Contains(strings.ToLower(msg), "lock request time out")
}

// Rebind implements QueryTranslator.
func (a *MSSQLAdapter) Rebind(query string) string {
	return numberedRebind(query, "@p")
}

// KeyStrategy implements KeyGenerator.
func (a *MSSQLAdapter) KeyStrategy() KeyStrategy { return KeyFollowup }

// InsertedKeyQuery implements KeyGenerator.
func (a *MSSQLAdapter) InsertedKeyQuery(string) string {
	return "SELECT CAST(@@IDENTITY AS BIGINT)"
}

// NextKeyValue implements KeyGenerator.
func (a *MSSQLAdapter) NextKeyValue(sequence string) string { return "NEXT VALUE FOR " + sequence }

// EmptyLobValue implements LobSupport.
func (a *MSSQLAdapter) EmptyLobValue() string { return "0x" }

// DeleteLimitedQuery implements Maintenance.
func (a *MSSQLAdapter) DeleteLimitedQuery(table, _, where string, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	}

	return fmt.Sprintf("DELETE TOP (%d) FROM %s WHERE %s", limit, table, where)
}

func withTop(query string, n int) string {
	if n <= 0 {
		return query
	}
	loc := selectPrefix.FindStringIndex(query)
	if loc == nil {
		return query
	}

	return query[:loc[1]] + "TOP(" + strconv.Itoa(n) + ") " + query[loc[1]:]
}

// addTableHint places hint after the first table reference and its alias.
func addTableHint(query, hint string) string {
	m := fromTable.FindStringSubmatchIndex(query)
	if m == nil {
		return query
	}
	end := m[3]
	if m[6] >= 0 && !mssqlReserved[strings.ToUpper(query[m[6]:m[7]])] {
		end = m[7]
	}

	return query[:end] + " " + hint + query[end:]
}
