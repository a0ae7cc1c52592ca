package sqlstore

import (
	"fmt"
	"strings"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/sqlexec"
)

const (
	paramType          = "type"
	paramHost          = "host"
	paramLabel         = "label"
	paramMessageID     = "message_id"
	paramCorrelationID = "correlation_id"
	paramDate          = "date"
	paramExpiry        = "expiry_date"
	paramMessage       = "message"
	paramStart         = "start"
	paramEnd           = "end"
)

type logQueries struct {
	insert        *sqlexec.Plan
	insertSQL     string
	keyLookup     *sqlexec.Plan
	existing      *sqlexec.Plan
	meta          *sqlexec.Plan
	metaPayload   *sqlexec.Plan
	delete        *sqlexec.Plan
	containsID    *sqlexec.Plan
	containsCID   *sqlexec.Plan
	count         *sqlexec.Plan
	updatePayload *sqlexec.Plan
}

type logQueryBuilder struct {
	adapter dialect.Adapter
	cfg     LogConfig
	logger  tablequeue.Logger
}

func newLogQueries(adapter dialect.Adapter, cfg LogConfig, logger tablequeue.Logger) (logQueries, error) {
	b := logQueryBuilder{adapter: adapter, cfg: cfg, logger: logger}
	cols := cfg.Columns
	var (
		q   logQueries
		err error
	)

	q.insertSQL, err = b.insertSQL(cfg.StoreOnce, true)
	if err != nil {
		return q, err
	}
	insertKind := sqlexec.Kind(sqlexec.Exec{})
	if adapter.KeyStrategy() == dialect.KeyReturning {
		insertKind = sqlexec.Select{MaxRows: 1}
	}
	if q.insert, err = b.compile(q.insertSQL, insertKind); err != nil {
		return q, err
	}

	lookup := fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s=?{%s} AND %s=?{%s} AND %s=?{%s}",
		cols.Key, cfg.Table, cols.MessageID, paramMessageID, cols.CorrelationID, paramCorrelationID, cols.Date, paramDate)
	if q.keyLookup, err = b.compile(lookup, sqlexec.Select{MaxRows: 1}); err != nil {
		return q, err
	}

	if !cfg.MetadataOnly {
		existing := fmt.Sprintf("SELECT %s, %s FROM %s%s", cols.Key, cols.Message, cfg.Table,
			b.where(false, b.messageIDCondition()))
		if q.existing, err = b.compile(existing, sqlexec.Select{MaxRows: 1}); err != nil {
			return q, err
		}
		metaPayload := fmt.Sprintf("SELECT %s FROM %s%s", b.metaColumns(true), cfg.Table,
			b.where(true, fmt.Sprintf("%s=?{%s}", cols.Key, paramKey)))
		if q.metaPayload, err = b.compile(metaPayload, sqlexec.Select{}); err != nil {
			return q, err
		}
		update := fmt.Sprintf("UPDATE %s SET %s=?{%s} WHERE %s=?{%s}", cfg.Table, cols.Message, paramMessage, cols.Key, paramKey)
		if q.updatePayload, err = b.compile(update, sqlexec.UpdateLob{Param: paramMessage, Codec: cfg.Codec}); err != nil {
			return q, err
		}
	}

	meta := fmt.Sprintf("SELECT %s FROM %s%s", b.metaColumns(false), cfg.Table,
		b.where(true, fmt.Sprintf("%s=?{%s}", cols.Key, paramKey)))
	if q.meta, err = b.compile(meta, sqlexec.Select{}); err != nil {
		return q, err
	}

	del := fmt.Sprintf("DELETE FROM %s%s", cfg.Table, b.where(true, fmt.Sprintf("%s=?{%s}", cols.Key, paramKey)))
	if q.delete, err = b.compile(del, sqlexec.Exec{}); err != nil {
		return q, err
	}

	if q.containsID, err = b.compilePeek(fmt.Sprintf("%s=?{%s}", cols.MessageID, paramMessageID)); err != nil {
		return q, err
	}
	if q.containsCID, err = b.compilePeek(fmt.Sprintf("%s=?{%s}", cols.CorrelationID, paramCorrelationID)); err != nil {
		return q, err
	}

	count := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", cfg.Table, b.where(true))
	if q.count, err = b.compile(count, sqlexec.Select{MaxRows: 1}); err != nil {
		return q, err
	}

	return q, nil
}

func (b logQueryBuilder) compile(query string, kind sqlexec.Kind) (*sqlexec.Plan, error) {
	return sqlexec.Compile(b.adapter, sqlexec.Query{SQL: query, Kind: kind}, b.logger)
}

func (b logQueryBuilder) compilePeek(condition string) (*sqlexec.Plan, error) {
	query := fmt.Sprintf("SELECT %s FROM %s%s", b.cfg.Columns.Key, b.cfg.Table, b.where(true, condition))

	return sqlexec.Compile(b.adapter, sqlexec.Query{SQL: query, Kind: sqlexec.Select{MaxRows: 1}, Peek: true}, b.logger)
}

// where joins the slot and type selector with extra conditions.
func (b logQueryBuilder) where(typed bool, extra ...string) string {
	var conds []string
	if typed && b.cfg.Columns.Type != "" {
		conds = append(conds, fmt.Sprintf("%s=?{%s}", b.cfg.Columns.Type, paramType))
	}
	if b.cfg.slotScoped() {
		conds = append(conds, fmt.Sprintf("%s=?{%s}", b.cfg.Columns.SlotID, paramSlot))
	}
	conds = append(conds, extra...)
	if len(conds) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(conds, " AND ")
}

func (b logQueryBuilder) messageIDCondition() string {
	return fmt.Sprintf("%s=?{%s}", b.cfg.Columns.MessageID, paramMessageID)
}

// metaColumns lists the columns scanned by scanMeta, in scan order.
func (b logQueryBuilder) metaColumns(withPayload bool) string {
	cols := b.cfg.Columns
	names := []string{cols.Key}
	for _, optional := range []string{cols.Type, cols.SlotID, cols.Host} {
		if optional != "" {
			names = append(names, optional)
		}
	}
	names = append(names, cols.MessageID, cols.CorrelationID, cols.Date, cols.Comment, cols.ExpiryDate)
	if cols.Label != "" {
		names = append(names, cols.Label)
	}
	if withPayload {
		names = append(names, cols.Message)
	}

	return strings.Join(names, ",")
}

// insertSQL builds the single-row insert. once adds the message id guard,
// returning adds the dialect's RETURNING clause when it has one.
func (b logQueryBuilder) insertSQL(once, returning bool) (string, error) {
	cfg, cols, adapter := b.cfg, b.cfg.Columns, b.adapter
	var names, values []string
	add := func(column, value string) {
		names = append(names, column)
		values = append(values, value)
	}
	param := func(name string) string { return "?{" + name + "}" }
	// Postgres types parameters of a SELECT list as text unless cast.
	typed := func(name, sqlType string) string {
		if once && adapter.Name() == dialect.Postgres {
			return fmt.Sprintf("CAST(%s AS %s)", param(name), sqlType)
		}

		return param(name)
	}
	types := typesFor(adapter.Name())

	if adapter.KeyStrategy() == dialect.KeySequence {
		if cfg.SequenceName == "" {
			return "", tablequeue.Configf("dialect %s needs a key sequence name", adapter.Name())
		}
		add(cols.Key, adapter.NextKeyValue(cfg.SequenceName))
	}
	if cols.Type != "" {
		add(cols.Type, param(paramType))
	}
	if cfg.slotScoped() {
		add(cols.SlotID, param(paramSlot))
	}
	if cols.Host != "" {
		add(cols.Host, param(paramHost))
	}
	if cols.Label != "" {
		add(cols.Label, param(paramLabel))
	}
	add(cols.MessageID, param(paramMessageID))
	add(cols.CorrelationID, param(paramCorrelationID))
	add(cols.Date, typed(paramDate, types.timestamp))
	add(cols.Comment, param(paramComment))
	add(cols.ExpiryDate, typed(paramExpiry, types.timestamp))
	if !cfg.MetadataOnly {
		if adapter.LobStrategy() == dialect.LobLocator {
			add(cols.Message, adapter.EmptyLobValue())
		} else {
			add(cols.Message, typed(paramMessage, types.blob))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) ", cfg.Table, strings.Join(names, ","))
	if once {
		fmt.Fprintf(&sb, "SELECT %s%s WHERE NOT EXISTS (SELECT 1 FROM %s%s)",
			strings.Join(values, ","), adapter.FromDual(), cfg.Table, b.where(false, b.messageIDCondition()))
	} else {
		fmt.Fprintf(&sb, "VALUES (%s)", strings.Join(values, ","))
	}
	if returning && adapter.KeyStrategy() == dialect.KeyReturning {
		sb.WriteString(adapter.ReturningClause(cols.Key))
	}

	return sb.String(), nil
}

// iterateSQL builds the metadata listing for one Iterate call.
func (b logQueryBuilder) iterateSQL(opts IterateOptions) string {
	cols := b.cfg.Columns
	var extra []string
	if !opts.Start.IsZero() {
		extra = append(extra, fmt.Sprintf("%s>=?{%s}", cols.Date, paramStart))
	}
	if !opts.End.IsZero() {
		extra = append(extra, fmt.Sprintf("%s<?{%s}", cols.Date, paramEnd))
	}

	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s %s, %s %s",
		b.metaColumns(false), b.cfg.Table, b.where(true, extra...), cols.Date, opts.Order, cols.Key, opts.Order)
}
