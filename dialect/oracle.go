package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// OracleAdapter targets Oracle 12c and later. Keys come from sequences and
// payloads are written through an EMPTY_BLOB() locator.
type OracleAdapter struct {
	base
}

func newOracle(cfg Config) *OracleAdapter {
	a := &OracleAdapter{base: base{name: Oracle, cfg: cfg, lob: LobLocator}}
	a.self = a

	return a
}

// HasSkipLockedSupport implements Locker.
func (a *OracleAdapter) HasSkipLockedSupport() bool { return true }

// HonorsLockWait implements Locker.
func (a *OracleAdapter) HonorsLockWait() bool { return true }

// PrepareWorkQueueReadQuery implements Locker. Oracle rejects row limiting
// together with FOR UPDATE, so fetchSize is left to the driver.
func (a *OracleAdapter) PrepareWorkQueueReadQuery(_ int, query string, lockWait int) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}
	switch {
	case lockWait < 0:
		return q + " FOR UPDATE SKIP LOCKED", nil
	case lockWait == 0:
		return q + " FOR UPDATE NOWAIT", nil
	default:
		return q + " FOR UPDATE WAIT " + strconv.Itoa(lockWait), nil
	}
}

// PrepareWorkQueuePeekQuery implements Locker.
func (a *OracleAdapter) PrepareWorkQueuePeekQuery(query string) (string, error) {
	q, err := requireSelect(query)
	if err != nil {
		return "", err
	}

	return q + " FETCH FIRST 1 ROWS ONLY", nil
}

// IsLockBusy implements Locker: ORA-00054 resource busy, ORA-30006 wait timeout.
func (a *OracleAdapter) IsLockBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	return strings.Contains(msg, "ORA-00054") || strings.Contains(msg, "ORA-30006")
}

// Rebind implements QueryTranslator.
func (a *OracleAdapter) Rebind(query string) string {
	return numberedRebind(query, ":")
}

// SysDate implements QueryTranslator.
func (a *OracleAdapter) SysDate() string { return "SYSTIMESTAMP" }

// FromDual implements QueryTranslator.
func (a *OracleAdapter) FromDual() string { return " FROM DUAL" }

// KeyStrategy implements KeyGenerator.
func (a *OracleAdapter) KeyStrategy() KeyStrategy { return KeySequence }

// NextKeyValue implements KeyGenerator.
func (a *OracleAdapter) NextKeyValue(sequence string) string { return sequence + ".NEXTVAL" }

// InsertedKeyQuery implements KeyGenerator.
func (a *OracleAdapter) InsertedKeyQuery(sequence string) string {
	return fmt.Sprintf("SELECT %s.CURRVAL FROM DUAL", sequence)
}

// EmptyLobValue implements LobSupport.
func (a *OracleAdapter) EmptyLobValue() string { return "EMPTY_BLOB()" }

// DeleteLimitedQuery implements Maintenance.
func (a *OracleAdapter) DeleteLimitedQuery(table, _, where string, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	}

	return fmt.Sprintf("DELETE FROM %s WHERE %s AND ROWNUM <= %d", table, where, limit)
}
