package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/lob"
	"github.com/velmie/tablequeue/sqlstore"
)

var (
	errDSNRequired     = errors.New("tablequeue: dsn is required")
	errDialectRequired = errors.New("tablequeue: dialect or driver is required")
)

// fileConfig is the YAML layout read by --config. Flags override it.
type fileConfig struct {
	Database struct {
		Driver         string        `yaml:"driver"`
		DSN            string        `yaml:"dsn"`
		Dialect        string        `yaml:"dialect"`
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	} `yaml:"database"`
	Log struct {
		Table         string `yaml:"table"`
		Slot          string `yaml:"slot"`
		Type          string `yaml:"type"`
		Sequence      string `yaml:"sequence"`
		RetentionDays int    `yaml:"retention_days"`
		StoreOnce     bool   `yaml:"store_once"`
		MetadataOnly  bool   `yaml:"metadata_only"`
		Serialize     bool   `yaml:"serialize"`
		Compress      bool   `yaml:"compress"`
	} `yaml:"log"`
	Cleanup struct {
		CheckEvery time.Duration `yaml:"check_every"`
		Limit      int           `yaml:"limit"`
		MaxChunks  int           `yaml:"max_chunks"`
		LockName   string        `yaml:"lock_name"`
	} `yaml:"cleanup"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// driverFor maps a dialect to the database/sql driver registered by this binary.
func driverFor(name string) string {
	switch name {
	case dialect.Postgres:
		return "pgx"
	case dialect.MySQL, dialect.MariaDB:
		return "mysql"
	case dialect.SQLite:
		return "sqlite"
	default:
		return name
	}
}

// dialectName resolves the dialect from the explicit setting or the driver name.
func (c fileConfig) dialectName() (string, error) {
	for _, candidate := range []string{c.Database.Dialect, c.Database.Driver} {
		if candidate == "" {
			continue
		}
		name, ok := dialect.Canonical(candidate)
		if !ok {
			return "", fmt.Errorf("%w: %q", dialect.ErrUnknownDialect, candidate)
		}

		return name, nil
	}

	return "", errDialectRequired
}

func (c fileConfig) logConfig() (sqlstore.LogConfig, error) {
	cfg := sqlstore.LogConfig{
		Table:         c.Log.Table,
		SequenceName:  c.Log.Sequence,
		SlotID:        c.Log.Slot,
		RetentionDays: c.Log.RetentionDays,
		StoreOnce:     c.Log.StoreOnce,
		MetadataOnly:  c.Log.MetadataOnly,
		Codec:         lob.Codec{Serialize: c.Log.Serialize, Compress: c.Log.Compress},
	}
	if c.Log.Type != "" {
		typ, err := tablequeue.ParseStorageType(c.Log.Type)
		if err != nil {
			return cfg, err
		}
		cfg.Type = typ
	}

	return cfg, nil
}

func (c fileConfig) cleanupConfig() sqlstore.CleanupMaintainerConfig {
	return sqlstore.CleanupMaintainerConfig{
		CheckEvery: c.Cleanup.CheckEvery,
		Limit:      c.Cleanup.Limit,
		MaxChunks:  c.Cleanup.MaxChunks,
		LockName:   c.Cleanup.LockName,
	}
}

// env is everything a subcommand needs: an open pool, its connector and the adapter.
type env struct {
	cfg       fileConfig
	db        *sql.DB
	connector tablequeue.Connector
	adapter   dialect.Adapter
	logger    *slog.Logger
}

func openEnv(cfg fileConfig, logger *slog.Logger) (*env, error) {
	if cfg.Database.DSN == "" {
		return nil, errDSNRequired
	}
	name, err := cfg.dialectName()
	if err != nil {
		return nil, err
	}
	adapter, err := dialect.Lookup(name, dialect.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	driver := cfg.Database.Driver
	if driver == "" {
		driver = driverFor(name)
	}
	db, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	var opts []tablequeue.ConnectorOption
	if cfg.Database.AcquireTimeout > 0 {
		opts = append(opts, tablequeue.WithAcquireTimeout(cfg.Database.AcquireTimeout))
	}
	connector, err := tablequeue.NewPooledConnector(db, opts...)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &env{cfg: cfg, db: db, connector: connector, adapter: adapter, logger: logger}, nil
}

func (e *env) Close() error {
	return e.db.Close()
}
