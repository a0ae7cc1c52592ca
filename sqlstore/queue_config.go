package sqlstore

import (
	"regexp"
	"sort"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/lob"
)

// QueueConfig describes the table a Queue works on. Either the column names
// or the explicit queries must be given; explicit queries win.
type QueueConfig struct {
	Table     string
	KeyColumn string
	// StatusColumn holds the process state. The log's type column serves as
	// status column when a Queue runs over the message log.
	StatusColumn string
	// StatusValues maps each configured state to its column value. States
	// without a value are not configured. DONE is required.
	StatusValues map[tablequeue.ProcessState]string
	// SelectCondition is ANDed to the generated availability condition.
	SelectCondition string
	OrderColumn     string

	MessageColumn       string
	MessageIDColumn     string
	CorrelationIDColumn string
	// TimestampColumn is set to the current time on every state change.
	TimestampColumn string
	// CommentColumn receives the reason of a state change.
	CommentColumn string
	SlotIDColumn  string
	SlotID        string

	// SelectQuery replaces the generated claim query. Its first column is the key.
	SelectQuery string
	// PeekQuery replaces the generated availability probe.
	PeekQuery string
	// UpdateQueries replace the generated state updates. They may reference
	// ?{key} and ?{comment}; positional placeholders bind key, then comment.
	UpdateQueries map[tablequeue.ProcessState]string
	// SQLDialect is the dialect explicit queries are written in. Empty means the runtime dialect.
	SQLDialect string

	// LockWait is the number of seconds a claim waits for a locked row on
	// dialects that support a wait clause (Oracle, MariaDB). Zero skips locked
	// rows where possible. Other dialects keep their default locking and
	// NewQueue logs a warning. A lock error after the wait counts as no message.
	LockWait int
	// NoWait fails immediately on a locked row instead of skipping it, with the
	// same dialect restriction as LockWait.
	NoWait bool
	// ErrorRevertable allows ERROR rows to move back to AVAILABLE.
	ErrorRevertable bool

	Codec    lob.Codec
	ReadMode lob.ReadMode
}

// DefaultStatusValues are used when QueueConfig.StatusValues is empty.
func DefaultStatusValues() map[tablequeue.ProcessState]string {
	return map[tablequeue.ProcessState]string{
		tablequeue.StateAvailable: "A",
		tablequeue.StateDone:      "D",
		tablequeue.StateError:     "E",
		tablequeue.StateHold:      "H",
	}
}

// LogQueueConfig returns the queue settings for consuming the message log as
// a message store: the type column is the status, 'M' rows are available.
func LogQueueConfig(cfg LogConfig) QueueConfig {
	cfg = cfg.withDefaults()
	cols := cfg.Columns

	qc := QueueConfig{
		Table:        cfg.Table,
		KeyColumn:    cols.Key,
		StatusColumn: cols.Type,
		StatusValues: map[tablequeue.ProcessState]string{
			tablequeue.StateAvailable: string(tablequeue.TypeMessageStorage),
			tablequeue.StateDone:      "A",
			tablequeue.StateError:     string(tablequeue.TypeErrorStorage),
			tablequeue.StateHold:      "H",
		},
		OrderColumn:         cols.Date,
		MessageColumn:       cols.Message,
		MessageIDColumn:     cols.MessageID,
		CorrelationIDColumn: cols.CorrelationID,
		CommentColumn:       cols.Comment,
		Codec:               cfg.Codec,
	}
	if cfg.slotScoped() {
		qc.SlotIDColumn, qc.SlotID = cols.SlotID, cfg.SlotID
	}

	return qc
}

func (c QueueConfig) withDefaults() QueueConfig {
	if len(c.StatusValues) == 0 {
		c.StatusValues = DefaultStatusValues()
	}

	return c
}

func (c QueueConfig) validate() error {
	if c.SelectQuery == "" || len(c.UpdateQueries) == 0 {
		if _, err := sanitizeTableName(c.Table); err != nil {
			return err
		}
		if c.KeyColumn == "" || c.StatusColumn == "" {
			return tablequeue.Configf("queue requires key and status columns or explicit queries")
		}
	}
	if err := sanitizeColumns(
		c.KeyColumn, c.StatusColumn, c.OrderColumn, c.MessageColumn, c.MessageIDColumn,
		c.CorrelationIDColumn, c.TimestampColumn, c.CommentColumn, c.SlotIDColumn,
	); err != nil {
		return err
	}
	if c.StatusValues[tablequeue.StateDone] == "" && c.UpdateQueries[tablequeue.StateDone] == "" {
		return ErrDoneRequired
	}
	if c.SlotIDColumn != "" && c.SlotID == "" {
		return tablequeue.Configf("slot id column %s set without a slot id", c.SlotIDColumn)
	}

	return nil
}

// lockWait maps the settings onto the adapter convention: -1 skip, 0 no wait, n seconds.
func (c QueueConfig) lockWait() int {
	switch {
	case c.NoWait:
		return 0
	case c.LockWait > 0:
		return c.LockWait
	default:
		return -1
	}
}

// configured reports which states have an update query, either explicit or
// generated from a status value. Generated updates need table and status columns.
func (c QueueConfig) configured() map[tablequeue.ProcessState]bool {
	out := make(map[tablequeue.ProcessState]bool, len(c.StatusValues))
	generated := c.Table != "" && c.StatusColumn != ""
	for state, value := range c.StatusValues {
		if value != "" && generated {
			out[state] = true
		}
	}
	for state, query := range c.UpdateQueries {
		if query != "" {
			out[state] = true
		}
	}

	return out
}

// conditionWarnings lists columns the select condition should not depend on,
// because every state change rewrites them.
func (c QueueConfig) conditionWarnings() []string {
	if c.SelectCondition == "" {
		return nil
	}
	var out []string
	for _, col := range []string{c.TimestampColumn, c.CommentColumn} {
		if col == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(col) + `\b`)
		if re.MatchString(c.SelectCondition) {
			out = append(out, col)
		}
	}

	return out
}

func sortedStates(set map[tablequeue.ProcessState]bool) []tablequeue.ProcessState {
	out := make([]tablequeue.ProcessState, 0, len(set))
	for state := range set {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
