// Command tablequeue operates a message table: it renders the schema, browses
// and counts stored messages, runs the retention sweep and benchmarks the queue.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const exitFailure = 1

// rootOptions holds the persistent flags. Set flags override the config file.
type rootOptions struct {
	configPath string
	driver     string
	dsn        string
	dialect    string
	table      string
	slot       string
	typ        string
	verbose    bool

	cfg fileConfig
}

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "tablequeue",
		Short:         "Operate a table-backed message log and queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.StringVar(&opts.driver, "driver", "", "database/sql driver name (pgx, mysql, sqlite)")
	flags.StringVar(&opts.dsn, "dsn", "", "database DSN")
	flags.StringVar(&opts.dialect, "dialect", "", "SQL dialect; defaults to the driver's")
	flags.StringVar(&opts.table, "table", "", "message table (default message_store)")
	flags.StringVar(&opts.slot, "slot", "", "slot id scoping every query")
	flags.StringVar(&opts.typ, "type", "", "storage type: L, E or M")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newSchemaCommand(opts),
		newBrowseCommand(opts),
		newCountCommand(opts),
		newCleanupCommand(opts),
		newBenchCommand(opts),
	)

	return root
}

func (o *rootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, value string) {
		if flags.Changed(name) {
			*dst = value
		}
	}
	override("driver", &cfg.Database.Driver, o.driver)
	override("dsn", &cfg.Database.DSN, o.dsn)
	override("dialect", &cfg.Database.Dialect, o.dialect)
	override("table", &cfg.Log.Table, o.table)
	override("slot", &cfg.Log.Slot, o.slot)
	override("type", &cfg.Log.Type, o.typ)
	o.cfg = cfg

	return nil
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *rootOptions) open(cmd *cobra.Command) (*env, error) {
	return openEnv(o.cfg, o.logger(cmd))
}
