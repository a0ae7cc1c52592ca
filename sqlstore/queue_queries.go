package sqlstore

import (
	"fmt"
	"strings"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/sqlexec"
)

const (
	paramKey     = "key"
	paramComment = "comment"
	paramSlot    = "slot_id"
)

type queueQueries struct {
	claim     *sqlexec.Plan
	peek      *sqlexec.Plan
	count     *sqlexec.Plan
	updates   map[tablequeue.ProcessState]*sqlexec.Plan
	selectSQL string
}

func newQueueQueries(adapter dialect.Adapter, cfg QueueConfig, logger tablequeue.Logger) (queueQueries, error) {
	var (
		q   queueQueries
		err error
	)

	selectSQL, selectDialect, selectParams := cfg.SelectQuery, cfg.SQLDialect, cfg.selectParamNames()
	if selectSQL == "" {
		selectSQL, selectDialect, selectParams = generateSelect(cfg, selectColumns(cfg), true), "", nil
	}
	q.selectSQL = selectSQL
	q.claim, err = sqlexec.Compile(adapter, sqlexec.Query{
		SQL:       selectSQL,
		Dialect:   selectDialect,
		Kind:      sqlexec.Select{MaxRows: 1},
		Lock:      true,
		FetchSize: 1,
		LockWait:  cfg.lockWait(),
		Params:    selectParams,
	}, logger)
	if err != nil {
		return q, fmt.Errorf("claim query: %w", err)
	}

	peekSQL, peekDialect, peekParams := cfg.PeekQuery, cfg.SQLDialect, cfg.selectParamNames()
	switch {
	case peekSQL != "":
	case cfg.SelectQuery != "":
		peekSQL = cfg.SelectQuery
	default:
		peekSQL, peekDialect, peekParams = generateSelect(cfg, cfg.KeyColumn, false), "", nil
	}
	q.peek, err = sqlexec.Compile(adapter, sqlexec.Query{
		SQL:     peekSQL,
		Dialect: peekDialect,
		Kind:    sqlexec.Select{MaxRows: 1},
		Peek:    true,
		Params:  peekParams,
	}, logger)
	if err != nil {
		return q, fmt.Errorf("peek query: %w", err)
	}

	if cfg.Table != "" && cfg.StatusColumn != "" {
		q.count, err = sqlexec.Compile(adapter, sqlexec.Query{
			SQL:  generateSelect(cfg, "COUNT(*)", false),
			Kind: sqlexec.Select{MaxRows: 1},
		}, logger)
		if err != nil {
			return q, fmt.Errorf("count query: %w", err)
		}
	}

	q.updates = make(map[tablequeue.ProcessState]*sqlexec.Plan)
	for state := range cfg.configured() {
		updateSQL, updateDialect, updateParams := cfg.UpdateQueries[state], cfg.SQLDialect, []string{paramKey, paramComment}
		if updateSQL == "" {
			updateSQL, updateDialect, updateParams = generateUpdate(adapter, cfg, cfg.StatusValues[state]), "", nil
		}
		plan, err := sqlexec.Compile(adapter, sqlexec.Query{
			SQL:     updateSQL,
			Dialect: updateDialect,
			Kind:    sqlexec.Exec{},
			Params:  updateParams,
		}, logger)
		if err != nil {
			return q, fmt.Errorf("%s update query: %w", state, err)
		}
		q.updates[state] = plan
	}

	return q, nil
}

// selectParamNames lists the parameters bound to user supplied select and peek queries.
func (c QueueConfig) selectParamNames() []string {
	if c.SlotIDColumn == "" {
		return []string{}
	}

	return []string{paramSlot}
}

func selectColumns(cfg QueueConfig) string {
	cols := []string{cfg.KeyColumn}
	for _, col := range []string{cfg.MessageIDColumn, cfg.CorrelationIDColumn, cfg.MessageColumn} {
		if col != "" {
			cols = append(cols, col)
		}
	}

	return strings.Join(cols, ",")
}

// generateSelect builds the row selection over the available rows. When no
// AVAILABLE value is configured, every row not in another configured state is available.
func generateSelect(cfg QueueConfig, columns string, ordered bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s t WHERE ", columns, cfg.Table)

	if available := cfg.StatusValues[tablequeue.StateAvailable]; available != "" {
		fmt.Fprintf(&b, "%s=%s", cfg.StatusColumn, quote(available))
	} else {
		values := make([]string, 0, len(cfg.StatusValues))
		for _, state := range sortedStates(cfg.configured()) {
			if v := cfg.StatusValues[state]; v != "" {
				values = append(values, quote(v))
			}
		}
		fmt.Fprintf(&b, "%s NOT IN (%s)", cfg.StatusColumn, strings.Join(values, ","))
	}
	if cfg.SlotIDColumn != "" {
		fmt.Fprintf(&b, " AND %s=?{%s}", cfg.SlotIDColumn, paramSlot)
	}
	if cfg.SelectCondition != "" {
		fmt.Fprintf(&b, " AND (%s)", cfg.SelectCondition)
	}
	if ordered && cfg.OrderColumn != "" {
		fmt.Fprintf(&b, " ORDER BY %s", cfg.OrderColumn)
	}

	return b.String()
}

func generateUpdate(adapter dialect.Adapter, cfg QueueConfig, value string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s=%s", cfg.Table, cfg.StatusColumn, quote(value))
	if cfg.TimestampColumn != "" {
		fmt.Fprintf(&b, ",%s=%s", cfg.TimestampColumn, adapter.SysDate())
	}
	if cfg.CommentColumn != "" {
		fmt.Fprintf(&b, ",%s=?{%s}", cfg.CommentColumn, paramComment)
	}
	fmt.Fprintf(&b, " WHERE %s<>%s AND %s=?{%s}", cfg.StatusColumn, quote(value), cfg.KeyColumn, paramKey)

	return b.String()
}
