package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/sqlstore"
)

const (
	defaultRecords      = 10000
	defaultPayloadBytes = 512
	defaultBatchSize    = 500
	defaultWorkers      = 4
	defaultDrainTimeout = 2 * time.Minute
	defaultDrainPoll    = 10 * time.Millisecond
)

var errDrainIncomplete = errors.New("tablequeue bench: drain did not finish")

type benchConfig struct {
	records      int
	payloadBytes int
	batchSize    int
	workers      int
	drainTimeout time.Duration
	failEvery    int
}

type benchResult struct {
	seeded     int
	seedTime   time.Duration
	drained    int64
	failed     int64
	lostRaces  int64
	drainTime  time.Duration
	handle     latencySnapshot
	concurrent bool
}

func newBenchCommand(opts *rootOptions) *cobra.Command {
	cfg := benchConfig{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Seed the message store in batches and drain it with relay workers",
		Long: `Seed the message store with --records rows of storage type M through a batch
writer, then drain them with --workers relay workers consuming the table as a
queue. Handled rows move to the done state. Rows whose sequence number is a
multiple of --fail-every fail and move to error storage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			e.db.SetMaxOpenConns(cfg.workers + 2)

			logCfg, err := opts.cfg.logConfig()
			if err != nil {
				return err
			}
			logCfg.Type = tablequeue.TypeMessageStorage

			res, err := runBench(cmd.Context(), e, logCfg, cfg)
			if err != nil {
				return err
			}

			return printBench(cmd.OutOrStdout(), res)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&cfg.records, "records", defaultRecords, "messages to seed")
	flags.IntVar(&cfg.payloadBytes, "payload-bytes", defaultPayloadBytes, "payload size")
	flags.IntVar(&cfg.batchSize, "batch-size", defaultBatchSize, "inserts per batch execution")
	flags.IntVar(&cfg.workers, "workers", defaultWorkers, "relay workers")
	flags.DurationVar(&cfg.drainTimeout, "drain-timeout", defaultDrainTimeout, "maximum drain time")
	flags.IntVar(&cfg.failEvery, "fail-every", 0, "fail every n-th message (0 never fails)")

	return cmd
}

func runBench(ctx context.Context, e *env, logCfg sqlstore.LogConfig, cfg benchConfig) (benchResult, error) {
	var res benchResult
	store, err := sqlstore.NewLog(e.connector, e.adapter, logCfg, sqlstore.WithLogger(e.logger))
	if err != nil {
		return res, err
	}

	start := time.Now()
	if err := seed(ctx, store, cfg); err != nil {
		return res, err
	}
	res.seeded, res.seedTime = cfg.records, time.Since(start)

	q, err := sqlstore.NewQueue(e.connector, e.adapter, sqlstore.LogQueueConfig(store.Config()), sqlstore.WithLogger(e.logger))
	if err != nil {
		return res, err
	}
	res.concurrent = q.ConcurrencySafe()
	workers := cfg.workers
	if !res.concurrent {
		e.logger.Warn("queue cannot exclude concurrent claimants; draining with one worker", "dialect", e.adapter.Name())
		workers = 1
	}

	metrics := &benchMetrics{}
	relay := tablequeue.NewRelay(q, failEvery(cfg.failEvery),
		tablequeue.WithWorkers(workers),
		tablequeue.WithPollInterval(defaultDrainPoll),
		tablequeue.WithMetrics(metrics),
		tablequeue.WithLogger(e.logger),
	)

	drainCtx, cancel := context.WithTimeout(ctx, cfg.drainTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	start = time.Now()
	go func() {
		errCh <- relay.Run(drainCtx)
	}()

	ticker := time.NewTicker(defaultDrainPoll)
	defer ticker.Stop()
	for metrics.finished() < int64(cfg.records) {
		select {
		case err := <-errCh:
			if err == nil || errors.Is(err, context.DeadlineExceeded) {
				err = errDrainIncomplete
			}

			return res, err
		case <-ticker.C:
		}
	}
	res.drainTime = time.Since(start)
	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return res, err
	}

	res.drained = metrics.done.Load()
	res.failed = metrics.failed.Load()
	res.lostRaces = metrics.races.Load()
	res.handle = metrics.handle.Snapshot()

	return res, nil
}

// failEvery fails every n-th message by its correlation id, which seed numbers.
func failEvery(n int) tablequeue.Handler {
	return tablequeue.HandlerFunc(func(_ context.Context, msg tablequeue.StoredMessage) error {
		if n <= 0 {
			return nil
		}
		seq, err := strconv.Atoi(msg.CorrelationID)
		if err == nil && seq%n == 0 {
			return errors.New("bench failure")
		}

		return nil
	})
}

func seed(ctx context.Context, store *sqlstore.Log, cfg benchConfig) (err error) {
	bw, err := store.NewBatchWriter(ctx, cfg.batchSize)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, bw.Abort())
		}
	}()

	payload := buildPayload(cfg.payloadBytes)
	for i := 1; i <= cfg.records; i++ {
		if err := bw.Add(ctx, tablequeue.Message{
			CorrelationID: strconv.Itoa(i),
			Payload:       payload,
		}); err != nil {
			return fmt.Errorf("seed message %d: %w", i, err)
		}
	}

	return bw.Close(ctx)
}

func buildPayload(size int) []byte {
	if size <= 0 {
		return []byte(`{"data":""}`)
	}
	data := make([]byte, max(0, size-len(`{"data":""}`)))
	for i := range data {
		data[i] = 'a'
	}

	return []byte(fmt.Sprintf(`{"data":%q}`, string(data)))
}

func printBench(out io.Writer, res benchResult) error {
	rate := func(n int64, d time.Duration) float64 {
		if d <= 0 {
			return 0
		}

		return float64(n) / d.Seconds()
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	_, err := fmt.Fprintf(out,
		"seeded %d in %s (%.0f/s)\ndrained %d failed %d in %s (%.0f/s) lost races %d concurrent %t\nhandle p50 %.3fms p95 %.3fms p99 %.3fms max %.3fms\n",
		res.seeded, res.seedTime.Round(time.Millisecond), rate(int64(res.seeded), res.seedTime),
		res.drained, res.failed, res.drainTime.Round(time.Millisecond), rate(res.drained+res.failed, res.drainTime),
		res.lostRaces, res.concurrent,
		ms(res.handle.P50), ms(res.handle.P95), ms(res.handle.P99), ms(res.handle.Max),
	)

	return err
}
