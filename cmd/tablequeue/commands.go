package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/dialect"
	"github.com/velmie/tablequeue/lob"
	"github.com/velmie/tablequeue/sqlstore"
)

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the message table DDL, or create the table with --apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logCfg, err := opts.cfg.logConfig()
			if err != nil {
				return err
			}
			if !apply {
				name, err := opts.cfg.dialectName()
				if err != nil {
					return err
				}
				adapter, err := dialect.Lookup(name)
				if err != nil {
					return err
				}
				ddl, err := sqlstore.Schema(adapter, logCfg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), ddl)

				return err
			}

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ddl, err := sqlstore.Schema(e.adapter, logCfg)
			if err != nil {
				return err
			}
			for _, stmt := range dialect.SplitStatements(ddl) {
				if _, err := e.db.ExecContext(cmd.Context(), stmt); err != nil {
					return fmt.Errorf("apply schema: %w", err)
				}
			}
			e.logger.Info("schema applied", "table", logCfg.Table, "dialect", e.adapter.Name())

			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "execute the DDL against --dsn")

	return cmd
}

type browseOptions struct {
	format  string
	since   time.Time
	until   time.Time
	order   string
	limit   int
	payload bool
	mode    string
}

// browseRecord is the JSON shape of one message.
type browseRecord struct {
	Key           string     `json:"key"`
	Type          string     `json:"type"`
	SlotID        string     `json:"slot_id,omitempty"`
	Host          string     `json:"host,omitempty"`
	MessageID     string     `json:"message_id"`
	CorrelationID string     `json:"correlation_id"`
	InsertDate    time.Time  `json:"insert_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	Label         string     `json:"label,omitempty"`
	Payload       string     `json:"payload,omitempty"`
}

func newBrowseCommand(opts *rootOptions) *cobra.Command {
	var (
		bo           browseOptions
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "browse [key]",
		Short: "List stored messages, or show one message by key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if bo.since, err = parseTime(since); err != nil {
				return err
			}
			if bo.until, err = parseTime(until); err != nil {
				return err
			}
			if bo.format != "text" && bo.format != "json" {
				return fmt.Errorf("unknown format %q", bo.format)
			}

			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			logCfg, err := opts.cfg.logConfig()
			if err != nil {
				return err
			}
			l, err := sqlstore.NewLog(e.connector, e.adapter, logCfg, sqlstore.WithLogger(e.logger))
			if err != nil {
				return err
			}

			if len(args) == 1 {
				return browseOne(cmd.Context(), cmd.OutOrStdout(), l, args[0], bo)
			}

			return browseList(cmd.Context(), cmd.OutOrStdout(), l, bo)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&bo.format, "format", "text", "output format: text or json")
	flags.StringVar(&since, "since", "", "list messages stored at or after this RFC 3339 time")
	flags.StringVar(&until, "until", "", "list messages stored before this RFC 3339 time")
	flags.StringVar(&bo.order, "order", "", "ASC or DESC; defaults to the log's order")
	flags.IntVar(&bo.limit, "limit", 100, "maximum messages listed (0 lists all)")
	flags.BoolVar(&bo.payload, "payload", false, "include the payload when showing one message")
	flags.StringVar(&bo.mode, "mode", "smart", "payload read mode: raw, decompress or smart")

	return cmd
}

func browseOne(ctx context.Context, out io.Writer, l *sqlstore.Log, key string, bo browseOptions) error {
	meta, err := l.Context(ctx, key)
	if err != nil {
		return err
	}
	rec := toRecord(meta)

	if bo.payload {
		mode, err := lob.ParseReadMode(bo.mode)
		if err != nil {
			return err
		}
		r, err := l.OpenReader(ctx, key, mode)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(r)
		if closeErr := r.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		rec.Payload = string(data)
	}

	return writeRecords(out, bo.format, []browseRecord{rec})
}

func browseList(ctx context.Context, out io.Writer, l *sqlstore.Log, bo browseOptions) (err error) {
	it, err := l.Iterate(ctx, sqlstore.IterateOptions{Start: bo.since, End: bo.until, Order: bo.order})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, it.Close())
	}()

	var records []browseRecord
	for it.Next() {
		records = append(records, toRecord(it.Meta()))
		if bo.limit > 0 && len(records) >= bo.limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	return writeRecords(out, bo.format, records)
}

func toRecord(meta tablequeue.MessageMeta) browseRecord {
	return browseRecord{
		Key:           meta.Key,
		Type:          string(meta.Type),
		SlotID:        meta.SlotID,
		Host:          meta.Host,
		MessageID:     meta.MessageID,
		CorrelationID: meta.CorrelationID,
		InsertDate:    meta.InsertDate,
		ExpiryDate:    meta.ExpiryDate,
		Comment:       meta.Comment,
		Label:         meta.Label,
	}
}

func writeRecords(out io.Writer, format string, records []browseRecord) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []browseRecord{}
		}

		return enc.Encode(records)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTYPE\tMESSAGE ID\tCORRELATION ID\tDATE\tCOMMENT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Key, r.Type, r.MessageID, r.CorrelationID, r.InsertDate.Format(time.RFC3339), r.Comment)
	}
	for _, r := range records {
		if r.Payload != "" {
			fmt.Fprintf(tw, "\n%s\n", r.Payload)
		}
	}

	return tw.Flush()
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}

	return t, nil
}

func newCountCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count the messages of the configured type and slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			logCfg, err := opts.cfg.logConfig()
			if err != nil {
				return err
			}
			l, err := sqlstore.NewLog(e.connector, e.adapter, logCfg, sqlstore.WithLogger(e.logger))
			if err != nil {
				return err
			}
			n, err := l.MessageCount(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)

			return err
		},
	}
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	var (
		once       bool
		checkEvery time.Duration
		limit      int
		maxChunks  int
		lockName   string
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete messages whose expiry date has passed",
		Long: `Delete messages whose expiry date has passed, in chunks, under a named lock
so that only one instance sweeps a table at a time. Without --once the sweep
repeats every --check-every until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			logCfg, err := opts.cfg.logConfig()
			if err != nil {
				return err
			}
			cfg := opts.cfg.cleanupConfig()
			flags := cmd.Flags()
			if flags.Changed("check-every") {
				cfg.CheckEvery = checkEvery
			}
			if flags.Changed("limit") {
				cfg.Limit = limit
			}
			if flags.Changed("max-chunks") {
				cfg.MaxChunks = maxChunks
			}
			if flags.Changed("lock-name") {
				cfg.LockName = lockName
			}

			m, err := sqlstore.NewCleanupMaintainer(e.connector, e.adapter, logCfg, cfg, sqlstore.WithLogger(e.logger))
			if err != nil {
				return fmt.Errorf("init maintainer: %w", err)
			}

			if once {
				res, err := m.Ensure(cmd.Context())
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d skipped %t\n", res.Deleted, res.Skipped)

				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run maintainer: %w", err)
			}

			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&once, "once", false, "sweep once and exit")
	flags.DurationVar(&checkEvery, "check-every", time.Hour, "interval between sweeps")
	flags.IntVar(&limit, "limit", 0, "rows deleted per statement (0 uses the default)")
	flags.IntVar(&maxChunks, "max-chunks", 0, "statements per sweep (0 sweeps until done)")
	flags.StringVar(&lockName, "lock-name", "", "advisory lock name")

	return cmd
}
