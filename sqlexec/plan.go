package sqlexec

import (
	"fmt"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
)

// Query is a logical query before dialect adaptation.
type Query struct {
	SQL string
	// Dialect the SQL was written for. Empty means the runtime dialect.
	Dialect string
	Kind    Kind
	// Lock rewrites the query into the work queue locking idiom.
	Lock      bool
	FetchSize int
	LockWait  int
	// Peek rewrites the query into a non-locking single-row probe.
	Peek bool
	// Params declares the parameter names callers supply. Declared names the
	// query never references are dropped with a warning.
	Params []string
}

// Plan is a query compiled for one dialect. Plans are immutable and shareable.
type Plan struct {
	sql        string
	names      []string
	positional int
	kind       Kind
	adapter    dialect.Adapter
	logger     tablequeue.Logger
}

// Compile runs the dialect pipeline once: translate, lock, rewrite named parameters, rebind.
func Compile(adapter dialect.Adapter, q Query, logger tablequeue.Logger) (*Plan, error) {
	logger = tablequeue.LoggerOrNop(logger)
	if adapter == nil {
		return nil, tablequeue.Configf("dialect adapter is required")
	}
	if q.SQL == "" {
		return nil, tablequeue.Configf("query text is required")
	}

	text, err := adapter.ConvertQuery(q.SQL, q.Dialect)
	if err != nil {
		return nil, err
	}
	switch {
	case q.Lock:
		text, err = adapter.PrepareWorkQueueReadQuery(q.FetchSize, text, q.LockWait)
	case q.Peek:
		text, err = adapter.PrepareWorkQueuePeekQuery(text)
	}
	if err != nil {
		return nil, err
	}

	rw, err := rewriteNamed(text)
	if err != nil {
		return nil, err
	}
	if rw.unterminated {
		logger.Warn("tablequeue query has an unterminated named parameter; left as text", "query", q.SQL)
	}
	if len(rw.names) > 0 && q.Params != nil {
		if err := checkDeclared(q, rw.names, logger); err != nil {
			return nil, err
		}
	}

	kind := q.Kind
	if kind == nil {
		kind = Exec{}
	}

	return &Plan{
		sql:        adapter.Rebind(rw.sql),
		names:      rw.names,
		positional: rw.positional,
		kind:       kind,
		adapter:    adapter,
		logger:     logger,
	}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(adapter dialect.Adapter, q Query, logger tablequeue.Logger) *Plan {
	plan, err := Compile(adapter, q, logger)
	if err != nil {
		panic(err)
	}

	return plan
}

func checkDeclared(q Query, names []string, logger tablequeue.Logger) error {
	declared := make(map[string]bool, len(q.Params))
	for _, name := range q.Params {
		declared[name] = true
	}
	used := make(map[string]bool, len(names))
	for _, name := range names {
		if !declared[name] {
			return fmt.Errorf("%w: %q in %s", ErrUnknownParam, name, q.SQL)
		}
		used[name] = true
	}
	for _, name := range q.Params {
		if !used[name] {
			logger.Warn("tablequeue parameter not referenced by query; dropped", "param", name, "query", q.SQL)
		}
	}

	return nil
}

// SQL returns the native statement text.
func (p *Plan) SQL() string { return p.sql }

// Kind returns the execution kind.
func (p *Plan) Kind() Kind { return p.kind }

// Names returns the parameter name bound at each placeholder, left to right.
func (p *Plan) Names() []string {
	return append([]string(nil), p.names...)
}

// Args orders params to match the placeholders. Named plans bind by name per
// occurrence; positional plans take values in order and drop the surplus.
func (p *Plan) Args(params []Param) ([]any, error) {
	if len(p.names) > 0 {
		args := make([]any, len(p.names))
		for i, name := range p.names {
			v, ok := lookup(params, name)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrMissingParam, name)
			}
			args[i] = v
		}

		return args, nil
	}

	if len(params) < p.positional {
		return nil, fmt.Errorf("%w: query has %d placeholders, got %d values", ErrMissingParam, p.positional, len(params))
	}
	args := make([]any, p.positional)
	for i := range args {
		args[i] = params[i].Value
	}

	return args, nil
}
