package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/lob"
	"github.com/velmie/tablequeue/sqlexec"
)

// Log is the durable message log: an append-only table of messages with
// browsing, deduplication on message id and expiry dates for the retention sweep.
type Log struct {
	connector tablequeue.Connector
	adapter   dialect.Adapter
	cfg       LogConfig
	opts      options
	queries   logQueries
	builder   logQueryBuilder
}

// NewLog validates cfg and compiles the log queries for the adapter's dialect.
func NewLog(connector tablequeue.Connector, adapter dialect.Adapter, cfg LogConfig, opts ...Option) (*Log, error) {
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
	if cfg.StoreOnce {
		o.logger.Debug("tablequeue store-once needs an index on message id to stay cheap; without a unique index concurrent stores may both insert",
			"table", cfg.Table)
	}
	queries, err := newLogQueries(adapter, cfg, o.logger)
	if err != nil {
		return nil, err
	}

	return &Log{
		connector: connector,
		adapter:   adapter,
		cfg:       cfg,
		opts:      o,
		queries:   queries,
		builder:   logQueryBuilder{adapter: adapter, cfg: cfg, logger: o.logger},
	}, nil
}

// MustNewLog constructs a Log or panics on error.
func MustNewLog(connector tablequeue.Connector, adapter dialect.Adapter, cfg LogConfig, opts ...Option) *Log {
	l, err := NewLog(connector, adapter, cfg, opts...)
	if err != nil {
		panic(err)
	}

	return l
}

// Config returns the effective configuration.
func (l *Log) Config() LogConfig {
	return l.cfg
}

// Store inserts msg in its own transaction.
func (l *Log) Store(ctx context.Context, msg tablequeue.Message) (tablequeue.StoreResult, error) {
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return tablequeue.StoreResult{}, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return tablequeue.StoreResult{}, releaseWith(conn, tablequeue.NewStorageError("begin store", "", err))
	}
	res, err := l.StoreTx(ctx, tx, msg)

	return res, releaseWith(conn, finishTx(tx, err))
}

// StoreTx inserts msg inside the caller's transaction, so the message commits
// or rolls back together with the caller's own changes.
func (l *Log) StoreTx(ctx context.Context, tx *sql.Tx, msg tablequeue.Message) (tablequeue.StoreResult, error) {
	if tx == nil {
		return tablequeue.StoreResult{}, ErrTxRequired
	}

	m, err := l.prepare(msg)
	if err != nil {
		return tablequeue.StoreResult{}, err
	}
	params, err := l.insertParams(m)
	if err != nil {
		return tablequeue.StoreResult{}, err
	}

	res, err := runPlan(ctx, l.queries.insert, tx, params, l.keyOptions()...)
	if err != nil {
		return tablequeue.StoreResult{}, err
	}
	affected, key := res.RowsAffected, res.Key
	if l.adapter.KeyStrategy() == dialect.KeyReturning {
		affected = int64(len(res.Rows))
		if affected > 0 {
			key = asString(res.Rows[0][0])
		}
	}

	if affected == 0 {
		if !l.cfg.StoreOnce {
			return tablequeue.StoreResult{}, tablequeue.NewStorageError("store", l.queries.insertSQL, errors.New("insert affected no rows"))
		}

		return l.duplicate(ctx, tx, m)
	}

	if key == "" {
		if key, err = l.lookupKey(ctx, tx, m); err != nil {
			return tablequeue.StoreResult{}, err
		}
	}

	if !l.cfg.MetadataOnly && l.adapter.LobStrategy() == dialect.LobLocator {
		if err := l.writeLocator(ctx, tx, key, m.Payload); err != nil {
			return tablequeue.StoreResult{}, err
		}
	}

	return tablequeue.StoreResult{Key: key}, nil
}

func (l *Log) prepare(msg tablequeue.Message) (tablequeue.Message, error) {
	m := msg.Truncated()
	if m.MessageID == "" {
		id, err := l.opts.newID()
		if err != nil {
			return m, fmt.Errorf("tablequeue sqlstore: generate message id failed: %w", err)
		}
		m.MessageID = id
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = l.opts.clock.Now()
	}
	m.ReceivedAt = m.ReceivedAt.UTC()

	return m, nil
}

func (l *Log) expiry(now time.Time) any {
	switch {
	case !l.cfg.Type.Expires() || l.cfg.RetentionDays == RetainForever:
		return nil
	case l.cfg.RetentionDays == ExpireImmediately:
		return now.UTC()
	default:
		return now.UTC().AddDate(0, 0, l.cfg.RetentionDays)
	}
}

func (l *Log) insertParams(m tablequeue.Message) ([]sqlexec.Param, error) {
	params := append(l.selectorParams(),
		sqlexec.P(paramHost, nullable(l.cfg.Host)),
		sqlexec.P(paramLabel, nullable(m.Label)),
		sqlexec.P(paramMessageID, m.MessageID),
		sqlexec.P(paramCorrelationID, m.CorrelationID),
		sqlexec.P(paramDate, m.ReceivedAt),
		sqlexec.P(paramComment, nullable(m.Comment)),
		sqlexec.P(paramExpiry, l.expiry(l.opts.clock.Now())),
	)
	if !l.cfg.MetadataOnly && l.adapter.LobStrategy() != dialect.LobLocator {
		encoded, err := l.cfg.Codec.Encode(m.Payload)
		if err != nil {
			return nil, tablequeue.NewStorageError("encode message", "", err)
		}
		if encoded == nil {
			encoded = []byte{}
		}
		params = append(params, sqlexec.P(paramMessage, encoded))
	}

	return params, nil
}

func (l *Log) keyOptions() []sqlexec.Option {
	switch l.adapter.KeyStrategy() {
	case dialect.KeyLastInsertID:
		return []sqlexec.Option{sqlexec.WithLastInsertID()}
	case dialect.KeySequence, dialect.KeyFollowup:
		return []sqlexec.Option{sqlexec.WithFollowup(l.adapter.InsertedKeyQuery(l.cfg.SequenceName))}
	default:
		return nil
	}
}

// lookupKey finds the key of the row just inserted on dialects that cannot return it.
func (l *Log) lookupKey(ctx context.Context, tx *sql.Tx, m tablequeue.Message) (string, error) {
	res, err := runPlan(ctx, l.queries.keyLookup, tx, []sqlexec.Param{
		sqlexec.P(paramMessageID, m.MessageID),
		sqlexec.P(paramCorrelationID, m.CorrelationID),
		sqlexec.P(paramDate, m.ReceivedAt),
	})
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 || res.Rows[0][0] == nil {
		return "", tablequeue.NewStorageError("retrieve key", l.queries.keyLookup.SQL(),
			fmt.Errorf("no key for stored message %s", m.MessageID))
	}

	return asString(res.Rows[0][0]), nil
}

func (l *Log) writeLocator(ctx context.Context, tx *sql.Tx, key string, payload []byte) error {
	w, err := lob.OpenWriterTx(ctx, tx, l.adapter, l.lobTarget(key),
		lob.WithCodec(l.cfg.Codec), lob.WithLogger(l.opts.logger))
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return w.Abort(tablequeue.NewStorageError("write message", "", err))
	}

	return w.Close()
}

// duplicate compares the stored payload of an existing message id with the new one.
func (l *Log) duplicate(ctx context.Context, tx *sql.Tx, m tablequeue.Message) (tablequeue.StoreResult, error) {
	result := tablequeue.StoreResult{Duplicate: tablequeue.DuplicateIdentical}
	if l.queries.existing == nil {
		l.opts.logger.Warn("tablequeue message id already stored", "message_id", m.MessageID)

		return result, nil
	}

	params := append(l.slotParams(), sqlexec.P(paramMessageID, m.MessageID))
	res, err := runPlan(ctx, l.queries.existing, tx, params)
	if err != nil {
		return tablequeue.StoreResult{}, err
	}
	if len(res.Rows) == 0 {
		result.Duplicate = tablequeue.DuplicateDiffers
	} else {
		result.Key = asString(res.Rows[0][0])
		stored, err := l.cfg.Codec.Decode(asBytes(res.Rows[0][1]))
		if err != nil || !bytes.Equal(stored, m.Payload) {
			result.Duplicate = tablequeue.DuplicateDiffers
		}
	}

	l.opts.logger.Warn("tablequeue message id already stored", "message_id", m.MessageID, "duplicate", result.Duplicate)

	return result, nil
}

func (l *Log) slotParams() []sqlexec.Param {
	if !l.cfg.slotScoped() {
		return nil
	}

	return []sqlexec.Param{sqlexec.P(paramSlot, l.cfg.SlotID)}
}

func (l *Log) selectorParams() []sqlexec.Param {
	return append(l.slotParams(), sqlexec.P(paramType, string(l.cfg.Type)))
}

func (l *Log) keyParams(key string) []sqlexec.Param {
	return append(l.selectorParams(), sqlexec.P(paramKey, tablequeue.KeyValue(key)))
}

func (l *Log) lobTarget(key string) lob.Target {
	return lob.Target{Table: l.cfg.Table, Column: l.cfg.Columns.Message, KeyColumn: l.cfg.Columns.Key, Key: key}
}

// Browse returns the message with key including its payload.
func (l *Log) Browse(ctx context.Context, key string) (tablequeue.StoredMessage, error) {
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return tablequeue.StoredMessage{}, err
	}

	msg, err := l.browse(ctx, conn, key)

	return msg, releaseWith(conn, err)
}

func (l *Log) browse(ctx context.Context, p sqlexec.Preparer, key string) (tablequeue.StoredMessage, error) {
	if l.queries.metaPayload == nil {
		meta, err := l.context(ctx, p, key)

		return tablequeue.StoredMessage{MessageMeta: meta}, err
	}

	var msg tablequeue.StoredMessage
	err := l.queryOne(ctx, l.queries.metaPayload, p, key, func(rows *sql.Rows) error {
		meta, payload, err := l.scanMeta(rows, true)
		if err != nil {
			return err
		}
		decoded, err := l.cfg.Codec.Decode(payload)
		if err != nil {
			return tablequeue.NewStorageError("decode message", "", err)
		}
		msg = tablequeue.StoredMessage{MessageMeta: meta, Payload: decoded}

		return nil
	})

	return msg, err
}

// Context returns the metadata of the message with key.
func (l *Log) Context(ctx context.Context, key string) (tablequeue.MessageMeta, error) {
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return tablequeue.MessageMeta{}, err
	}

	meta, err := l.context(ctx, conn, key)

	return meta, releaseWith(conn, err)
}

func (l *Log) context(ctx context.Context, p sqlexec.Preparer, key string) (tablequeue.MessageMeta, error) {
	var meta tablequeue.MessageMeta
	err := l.queryOne(ctx, l.queries.meta, p, key, func(rows *sql.Rows) error {
		var err error
		meta, _, err = l.scanMeta(rows, false)

		return err
	})

	return meta, err
}

func (l *Log) queryOne(ctx context.Context, plan *sqlexec.Plan, p sqlexec.Preparer, key string, scan func(*sql.Rows) error) error {
	ec, err := plan.Open(ctx, p)
	if err != nil {
		return err
	}
	rows, err := ec.Query(ctx, l.keyParams(key)...)
	if err != nil {
		return errors.Join(err, ec.Close())
	}

	err = func() error {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return tablequeue.NewStorageError("browse", plan.SQL(), err)
			}

			return fmt.Errorf("%w: key %s", tablequeue.ErrNotFound, key)
		}

		return scan(rows)
	}()

	return errors.Join(err, rows.Close(), ec.Close())
}

// Delete removes the message with key.
func (l *Log) Delete(ctx context.Context, key string) error {
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return err
	}

	return releaseWith(conn, l.delete(ctx, conn, key))
}

func (l *Log) delete(ctx context.Context, p sqlexec.Preparer, key string) error {
	res, err := runPlan(ctx, l.queries.delete, p, l.keyParams(key))
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: key %s", tablequeue.ErrNotFound, key)
	}

	return nil
}

// Take browses and deletes the message with key in one transaction.
func (l *Log) Take(ctx context.Context, key string) (tablequeue.StoredMessage, error) {
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return tablequeue.StoredMessage{}, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return tablequeue.StoredMessage{}, releaseWith(conn, tablequeue.NewStorageError("begin take", "", err))
	}

	msg, err := l.browse(ctx, tx, key)
	if err == nil {
		err = l.delete(ctx, tx, key)
	}
	if err != nil {
		msg = tablequeue.StoredMessage{}
	}

	return msg, releaseWith(conn, finishTx(tx, err))
}

// ReplacePayload overwrites the payload of the message with key.
func (l *Log) ReplacePayload(ctx context.Context, key string, payload []byte) error {
	if l.queries.updatePayload == nil {
		return tablequeue.Configf("log stores metadata only")
	}
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return err
	}

	res, err := runPlan(ctx, l.queries.updatePayload, conn, []sqlexec.Param{
		sqlexec.P(paramMessage, payload),
		sqlexec.P(paramKey, tablequeue.KeyValue(key)),
	})
	if err == nil && res.RowsAffected == 0 {
		err = fmt.Errorf("%w: key %s", tablequeue.ErrNotFound, key)
	}

	return releaseWith(conn, err)
}

// ContainsMessageID reports whether a message with id is stored in the slot.
func (l *Log) ContainsMessageID(ctx context.Context, id string) (bool, error) {
	return l.contains(ctx, l.queries.containsID, sqlexec.P(paramMessageID, id))
}

// ContainsCorrelationID reports whether a message with correlation id is stored in the slot.
func (l *Log) ContainsCorrelationID(ctx context.Context, id string) (bool, error) {
	return l.contains(ctx, l.queries.containsCID, sqlexec.P(paramCorrelationID, id))
}

func (l *Log) contains(ctx context.Context, plan *sqlexec.Plan, param sqlexec.Param) (bool, error) {
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return false, err
	}

	res, err := runPlan(ctx, plan, conn, append(l.selectorParams(), param))

	return err == nil && len(res.Rows) > 0, releaseWith(conn, err)
}

// MessageCount counts the messages of the log's type and slot.
func (l *Log) MessageCount(ctx context.Context) (int, error) {
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	res, err := runPlan(ctx, l.queries.count, conn, l.selectorParams())
	var n int
	if err == nil && len(res.Rows) > 0 {
		if _, scanErr := fmt.Sscan(asString(res.Rows[0][0]), &n); scanErr != nil {
			err = tablequeue.NewStorageError("message count", l.queries.count.SQL(), scanErr)
		}
	}

	return n, releaseWith(conn, err)
}

// OpenWriter opens a streaming writer over the payload of the message with key.
func (l *Log) OpenWriter(ctx context.Context, key string) (*lob.Writer, error) {
	if l.cfg.MetadataOnly {
		return nil, tablequeue.Configf("log stores metadata only")
	}
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return lob.OpenWriter(ctx, conn, l.adapter, l.lobTarget(key),
		lob.WithCodec(l.cfg.Codec), lob.WithLogger(l.opts.logger))
}

// OpenReader opens the payload of the message with key. Smart mode detects
// the encoding; any other mode decodes with the log's codec first.
func (l *Log) OpenReader(ctx context.Context, key string, mode lob.ReadMode) (*lob.Reader, error) {
	if l.cfg.MetadataOnly {
		return nil, tablequeue.Configf("log stores metadata only")
	}
	conn, err := l.connector.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if mode == lob.Raw && !l.cfg.Codec.Plain() {
		mode = lob.Smart
	}

	return lob.OpenReader(ctx, conn, l.adapter, l.lobTarget(key), mode)
}

type metaScan struct {
	key, typ, slot, host, id, cid, comment, label sql.NullString
	date, expiry                                  sql.NullTime
	payload                                       []byte
}

// scanMeta reads one row laid out by logQueryBuilder.metaColumns.
func (l *Log) scanMeta(rows *sql.Rows, withPayload bool) (tablequeue.MessageMeta, []byte, error) {
	cols := l.cfg.Columns
	var s metaScan
	dest := []any{&s.key}
	if cols.Type != "" {
		dest = append(dest, &s.typ)
	}
	if cols.SlotID != "" {
		dest = append(dest, &s.slot)
	}
	if cols.Host != "" {
		dest = append(dest, &s.host)
	}
	dest = append(dest, &s.id, &s.cid, &s.date, &s.comment, &s.expiry)
	if cols.Label != "" {
		dest = append(dest, &s.label)
	}
	if withPayload {
		dest = append(dest, &s.payload)
	}
	if err := rows.Scan(dest...); err != nil {
		return tablequeue.MessageMeta{}, nil, tablequeue.NewStorageError("scan message", "", err)
	}

	meta := tablequeue.MessageMeta{
		Key:           s.key.String,
		Type:          tablequeue.StorageType(s.typ.String),
		SlotID:        s.slot.String,
		Host:          s.host.String,
		MessageID:     s.id.String,
		CorrelationID: s.cid.String,
		InsertDate:    s.date.Time,
		Comment:       s.comment.String,
		Label:         s.label.String,
	}
	if s.expiry.Valid {
		expiry := s.expiry.Time
		meta.ExpiryDate = &expiry
	}

	return meta, s.payload, nil
}
