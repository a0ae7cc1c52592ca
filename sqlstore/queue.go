package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/sqlexec"
)

// Queue is a table-backed work queue. Rows are claimed with row locks and
// moved between process states with conditional updates.
type Queue struct {
	connector  tablequeue.Connector
	adapter    dialect.Adapter
	cfg        QueueConfig
	opts       options
	queries    queueQueries
	configured map[tablequeue.ProcessState]bool
	// skipsLocked is set when the compiled claim query skips locked rows,
	// so a lock error there is a real failure.
	skipsLocked bool
}

var (
	_ tablequeue.Consumer         = (*Queue)(nil)
	_ tablequeue.AvailableCounter = (*Queue)(nil)
)

// NewQueue validates cfg and compiles its queries for the adapter's dialect.
func NewQueue(connector tablequeue.Connector, adapter dialect.Adapter, cfg QueueConfig, opts ...Option) (*Queue, error) {
	if connector == nil {
		return nil, ErrConnectorRequired
	}
	if adapter == nil {
		return nil, ErrAdapterRequired
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts)
	lockWait := cfg.lockWait()
	if lockWait >= 0 && !adapter.HonorsLockWait() {
		o.logger.Warn("tablequeue lock wait setting is not supported by the dialect, using its default locking",
			"dialect", adapter.Name(), "lock_wait", lockWait)
	}
	for _, col := range cfg.conditionWarnings() {
		o.logger.Warn("tablequeue select condition references a column that state changes rewrite",
			"column", col, "condition", cfg.SelectCondition)
	}

	queries, err := newQueueQueries(adapter, cfg, o.logger)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		connector:  connector,
		adapter:    adapter,
		cfg:        cfg,
		opts:       o,
		queries:    queries,
		configured: cfg.configured(),
		skipsLocked: adapter.HasSkipLockedSupport() &&
			(lockWait < 0 || !adapter.HonorsLockWait()),
	}
	if !q.ConcurrencySafe() {
		o.logger.Warn("tablequeue queue cannot exclude concurrent claimants; configure an INPROCESS value or run one worker",
			"dialect", adapter.Name(), "table", cfg.Table)
	}

	return q, nil
}

// KnownStates returns the configured states in lifecycle order.
func (q *Queue) KnownStates() []tablequeue.ProcessState {
	return sortedStates(q.configured)
}

// TargetStates returns the configured states reachable from from.
func (q *Queue) TargetStates(from tablequeue.ProcessState) []tablequeue.ProcessState {
	return tablequeue.TargetStates(from, q.configured, q.cfg.ErrorRevertable)
}

// ConcurrencySafe reports whether two claimants can never get the same row:
// either the dialect skips locked rows or the INPROCESS mark guards the row.
func (q *Queue) ConcurrencySafe() bool {
	return q.adapter.HasSkipLockedSupport() || q.configured[tablequeue.StateInProcess]
}

// SelectQuery returns the claim query before dialect adaptation.
func (q *Queue) SelectQuery() string {
	return q.queries.selectSQL
}

func (q *Queue) selectParams() []sqlexec.Param {
	if q.cfg.SlotIDColumn == "" {
		return nil
	}

	return []sqlexec.Param{sqlexec.P(paramSlot, q.cfg.SlotID)}
}

// HasAvailable probes for a claimable row without locking.
func (q *Queue) HasAvailable(ctx context.Context) (bool, error) {
	conn, err := q.connector.Acquire(ctx)
	if err != nil {
		return false, err
	}

	found, err := q.peek(ctx, conn)

	return found, releaseWith(conn, err)
}

func (q *Queue) peek(ctx context.Context, conn *tablequeue.Conn) (bool, error) {
	txOpts := q.adapter.PeekTxOptions()
	if txOpts == nil {
		res, err := runPlan(ctx, q.queries.peek, conn, q.selectParams())

		return len(res.Rows) > 0, err
	}

	tx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		return false, tablequeue.NewStorageError("begin peek", "", err)
	}
	res, err := runPlan(ctx, q.queries.peek, tx, q.selectParams())
	if rbErr := tx.Rollback(); rbErr != nil && err == nil {
		err = tablequeue.NewStorageError("end peek", "", rbErr)
	}

	return len(res.Rows) > 0, err
}

// AvailableCount counts the rows waiting to be claimed.
func (q *Queue) AvailableCount(ctx context.Context) (int, error) {
	if q.queries.count == nil {
		return 0, tablequeue.Configf("available count needs table and status columns")
	}
	conn, err := q.connector.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	res, err := runPlan(ctx, q.queries.count, conn, q.selectParams())
	if err != nil {
		return 0, releaseWith(conn, err)
	}
	var n int
	if len(res.Rows) > 0 {
		_, err = fmt.Sscan(asString(res.Rows[0][0]), &n)
		if err != nil {
			err = tablequeue.NewStorageError("available count", q.queries.count.SQL(), err)
		}
	}

	return n, releaseWith(conn, err)
}

// ClaimNext locks the next available row. With an INPROCESS value the row is
// marked and the transaction committed right away; otherwise the returned
// claim holds the row lock until Commit or Rollback.
func (q *Queue) ClaimNext(ctx context.Context) (tablequeue.Claim, error) {
	conn, err := q.connector.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := conn.BeginTx(ctx, q.adapter.ClaimTxOptions())
	if err != nil {
		return nil, releaseWith(conn, tablequeue.NewStorageError("begin claim", "", err))
	}

	msg, err := q.selectNext(ctx, tx)
	if err != nil {
		return nil, releaseWith(conn, finishTx(tx, q.downgradeBusy(err)))
	}

	if !q.configured[tablequeue.StateInProcess] {
		return &claim{queue: q, conn: conn, tx: tx, msg: msg, state: tablequeue.StateAvailable}, nil
	}

	marked, err := q.update(ctx, tx, msg.Key, tablequeue.StateInProcess, "")
	if err == nil && !marked {
		err = tablequeue.ErrNoMessage
	}
	if err != nil {
		return nil, releaseWith(conn, finishTx(tx, q.downgradeBusy(err)))
	}
	if err := releaseWith(conn, finishTx(tx, nil)); err != nil {
		return nil, err
	}

	return &claim{queue: q, msg: msg, state: tablequeue.StateInProcess}, nil
}

// downgradeBusy turns "row locked by another session" into ErrNoMessage
// unless the claim query skips locked rows.
func (q *Queue) downgradeBusy(err error) error {
	if errors.Is(err, tablequeue.ErrNoMessage) || q.skipsLocked || !q.adapter.IsLockBusy(err) {
		return err
	}
	q.opts.logger.Debug("tablequeue claim found the row locked", "table", q.cfg.Table, "err", err)

	return fmt.Errorf("%w: row locked", tablequeue.ErrNoMessage)
}

func (q *Queue) selectNext(ctx context.Context, tx *sql.Tx) (tablequeue.StoredMessage, error) {
	res, err := runPlan(ctx, q.queries.claim, tx, q.selectParams())
	if err != nil {
		return tablequeue.StoredMessage{}, err
	}
	if len(res.Rows) == 0 {
		return tablequeue.StoredMessage{}, tablequeue.ErrNoMessage
	}

	return q.toMessage(res.Columns, res.Rows[0])
}

func (q *Queue) toMessage(columns []string, row []any) (tablequeue.StoredMessage, error) {
	var msg tablequeue.StoredMessage
	msg.Key = asString(row[0])
	msg.SlotID = q.cfg.SlotID
	for i := 1; i < len(columns); i++ {
		switch {
		case q.cfg.MessageIDColumn != "" && strings.EqualFold(columns[i], q.cfg.MessageIDColumn):
			msg.MessageID = asString(row[i])
		case q.cfg.CorrelationIDColumn != "" && strings.EqualFold(columns[i], q.cfg.CorrelationIDColumn):
			msg.CorrelationID = asString(row[i])
		case q.cfg.MessageColumn != "" && strings.EqualFold(columns[i], q.cfg.MessageColumn):
			payload, err := decodePayload(q.cfg.Codec, q.cfg.ReadMode, asBytes(row[i]))
			if err != nil {
				return msg, tablequeue.NewStorageError("decode message", "", err)
			}
			msg.Payload = payload
		}
	}

	return msg, nil
}

// ChangeState moves the row with key to state to on a fresh connection. It
// returns false when the row is already in that state or does not exist.
func (q *Queue) ChangeState(ctx context.Context, key string, to tablequeue.ProcessState, reason string) (bool, error) {
	if !q.configured[to] {
		return false, fmt.Errorf("%w: %s", tablequeue.ErrStateNotConfigured, to)
	}
	conn, err := q.connector.Acquire(ctx)
	if err != nil {
		return false, err
	}

	changed, err := q.update(ctx, conn, key, to, reason)

	return changed, releaseWith(conn, err)
}

func (q *Queue) update(ctx context.Context, p sqlexec.Preparer, key string, to tablequeue.ProcessState, reason string) (bool, error) {
	plan, ok := q.queries.updates[to]
	if !ok {
		return false, fmt.Errorf("%w: %s", tablequeue.ErrStateNotConfigured, to)
	}
	params := []sqlexec.Param{
		sqlexec.P(paramKey, tablequeue.KeyValue(key)),
		sqlexec.P(paramComment, nullable(tablequeue.Truncate(reason, tablequeue.MaxCommentLen))),
	}
	res, err := runPlan(ctx, plan, p, params)
	if err != nil {
		return false, err
	}

	return res.RowsAffected > 0, nil
}
