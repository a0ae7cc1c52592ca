package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/sqlexec"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "tablequeue:cleanup:"
	paramBefore              = "before"
)

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Deleted int64
	// Skipped is set when another session held the cleanup lock.
	Skipped bool
}

// CleanupMaintainerConfig controls the retention sweep.
type CleanupMaintainerConfig struct {
	// CheckEvery is the interval between sweeps.
	CheckEvery time.Duration
	// Limit caps the rows deleted per statement (0 uses the default).
	Limit int
	// MaxChunks caps the statements per sweep; zero sweeps until done.
	MaxChunks int
	// LockName is the advisory lock name. Defaults to tablequeue:cleanup:<table>.
	LockName string
}

// CleanupMaintainer deletes rows whose expiry date has passed, in chunks,
// while holding a named lock so only one instance sweeps at a time.
type CleanupMaintainer struct {
	connector tablequeue.Connector
	adapter   dialect.Adapter
	cfg       CleanupMaintainerConfig
	opts      options
	plan      *sqlexec.Plan
}

// NewCleanupMaintainer creates a maintainer for the table described by logCfg.
func NewCleanupMaintainer(connector tablequeue.Connector, adapter dialect.Adapter, logCfg LogConfig, cfg CleanupMaintainerConfig, opts ...Option) (*CleanupMaintainer, error) {
	if connector == nil {
		return nil, ErrConnectorRequired
	}
	if adapter == nil {
		return nil, ErrAdapterRequired
	}
	logCfg = logCfg.withDefaults()
	if err := logCfg.validate(); err != nil {
		return nil, err
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + logCfg.Table
	}

	o := newOptions(opts)
	where := fmt.Sprintf("%s < ?{%s}", logCfg.Columns.ExpiryDate, paramBefore)
	plan, err := sqlexec.Compile(adapter, sqlexec.Query{
		SQL:  adapter.DeleteLimitedQuery(logCfg.Table, logCfg.Columns.Key, where, cfg.Limit),
		Kind: sqlexec.Exec{},
	}, o.logger)
	if err != nil {
		return nil, err
	}

	return &CleanupMaintainer{connector: connector, adapter: adapter, cfg: cfg, opts: o, plan: plan}, nil
}

// Run sweeps on every tick until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.opts.logger.Warn("tablequeue cleanup failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.opts.logger.Warn("tablequeue cleanup failed", "err", err)
			}
		}
	}
}

// Ensure executes a single sweep.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.connector.Acquire(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	res, err := m.sweep(ctx, conn)

	return res, releaseWith(conn, err)
}

func (m *CleanupMaintainer) sweep(ctx context.Context, conn *tablequeue.Conn) (CleanupResult, error) {
	locked, err := m.adapter.AdvisoryLock(ctx, conn, m.cfg.LockName)
	if err != nil {
		return CleanupResult{}, tablequeue.NewStorageError("acquire cleanup lock", "", err)
	}
	if !locked {
		m.opts.logger.Debug("tablequeue cleanup lock held by another session", "lock", m.cfg.LockName)

		return CleanupResult{Skipped: true}, nil
	}
	defer func() {
		if err := m.adapter.AdvisoryUnlock(context.WithoutCancel(ctx), conn, m.cfg.LockName); err != nil {
			m.opts.logger.Warn("tablequeue cleanup release lock failed", "err", err)
		}
	}()

	before := m.opts.clock.Now().UTC()
	var result CleanupResult
	for chunk := 0; m.cfg.MaxChunks == 0 || chunk < m.cfg.MaxChunks; chunk++ {
		res, err := runPlan(ctx, m.plan, conn, []sqlexec.Param{sqlexec.P(paramBefore, before)})
		if err != nil {
			return result, err
		}
		result.Deleted += res.RowsAffected
		if res.RowsAffected < int64(m.cfg.Limit) {
			break
		}
	}
	if result.Deleted > 0 {
		m.opts.logger.Info("tablequeue cleanup removed expired messages", "deleted", result.Deleted)
	}

	return result, nil
}
