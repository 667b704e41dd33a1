package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/rowpipe/pkg/client"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/metrics"
	"github.com/ajitpratap0/rowpipe/pkg/sink"
)

type insertFlags struct {
	schemaFile    string
	input         string
	format        string
	async         bool
	workers       bool
	dryRun        bool
	batchSize     int
	flushInterval time.Duration
}

func newInsertCmd(a *app) *cobra.Command {
	f := &insertFlags{}

	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert JSON rows into ClickHouse",
		Long: `Insert reads newline-delimited JSON objects and inserts them into the table
described by the schema file, in batches of --batch-size rows.

With --async rows are queued and flushed in the background by size or by
--flush-interval. With --dry-run request bodies are written to stdout instead
of being sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runInsert(ctx, cmd, a, f)
		},
	}
	cmd.Flags().StringVarP(&f.schemaFile, "schema", "s", "", "Path to the table schema YAML (required)")
	cmd.Flags().StringVarP(&f.input, "input", "i", "-", "JSON lines input file")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Force a format (auto, RowBinary, JSONEachRow, JSONCompactEachRow)")
	cmd.Flags().BoolVar(&f.async, "async", false, "Queue rows and flush in the background")
	cmd.Flags().BoolVar(&f.workers, "workers", false, "Encode RowBinary batches on the worker pool")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Write request bodies to stdout instead of sending")
	cmd.Flags().IntVarP(&f.batchSize, "batch-size", "b", 0, "Rows per insert (defaults to batch.max_rows)")
	cmd.Flags().DurationVar(&f.flushInterval, "flush-interval", 0, "Background flush interval (defaults to batch.flush_interval)")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func runInsert(ctx context.Context, cmd *cobra.Command, a *app, f *insertFlags) error {
	stopTelemetry, err := a.startTelemetry()
	if err != nil {
		return err
	}
	defer stopTelemetry()

	schema, err := insert.LoadSchema(f.schemaFile)
	if err != nil {
		return err
	}
	if f.format != "" {
		if _, err := insert.ParseFormat(f.format); err != nil {
			return err
		}
		schema.Format = f.format
	}
	if f.batchSize > 0 {
		a.cfg.Batch.MaxRows = f.batchSize
	}
	if f.flushInterval > 0 {
		a.cfg.Batch.FlushInterval = f.flushInterval
	}
	if f.workers {
		a.cfg.Workers.Enabled = true
	}

	c, err := newClient(a, f.dryRun, cmd)
	if err != nil {
		return err
	}
	table := schema.QualifiedTable()
	if _, err := c.RegisterSchema(schema); err != nil {
		_ = c.Close(ctx)
		return err
	}

	rows, err := readRows(f.input)
	if err != nil {
		_ = c.Close(ctx)
		return err
	}

	log := a.log.With(zap.String("table", table))
	tracker := metrics.NewThroughputTracker(table)
	started := time.Now()

	if f.async {
		err = insertAsync(c, table, rows, a.cfg.Batch.MaxRows)
	} else {
		err = insertBatches(ctx, c, table, rows, a.cfg.Batch.MaxRows, tracker, log)
	}

	// Close flushes whatever is still queued.
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := c.Close(closeCtx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if f.async {
		tracker.Increment(int64(len(rows)))
	}
	log.Info("insert complete",
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(started)),
		zap.Float64("rows_per_sec", tracker.GetAndReset()))
	return nil
}

func newClient(a *app, dryRun bool, cmd *cobra.Command) (*client.Client, error) {
	if !dryRun {
		return client.NewFromConfig(a.cfg, a.log)
	}
	format, err := insert.ParseFormat(a.cfg.Insert.Format)
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{
		Sink:   sink.NewWriterSink(cmd.OutOrStdout()),
		Format: format,
		Batch: client.BatchOptions{
			MaxRows:       a.cfg.Batch.MaxRows,
			FlushInterval: a.cfg.Batch.FlushInterval,
		},
		Workers: client.WorkerOptions{
			Enabled:       a.cfg.Workers.Enabled,
			Size:          a.cfg.Workers.Size,
			MaxQueueDepth: a.cfg.Workers.MaxQueueDepth,
			MinRows:       a.cfg.Workers.MinRows,
		},
		Logger: a.log,
	})
}

func insertBatches(ctx context.Context, c *client.Client, table string, rows []insert.Row, size int, tracker *metrics.ThroughputTracker, log *zap.Logger) error {
	if size <= 0 {
		size = len(rows)
	}
	for lo := 0; lo < len(rows); lo += size {
		hi := min(lo+size, len(rows))
		res, err := c.Insert(table, rows[lo:hi]...).Execute(ctx)
		if err != nil {
			return err
		}
		tracker.Increment(int64(res.Rows))
		log.Debug("batch inserted",
			zap.String("insert_id", res.InsertID),
			zap.String("format", string(res.Format)),
			zap.Int("rows", res.Rows),
			zap.Int("bytes", res.Bytes),
			zap.Duration("duration", res.Duration))
	}
	return nil
}

func insertAsync(c *client.Client, table string, rows []insert.Row, size int) error {
	if size <= 0 {
		size = len(rows)
	}
	for lo := 0; lo < len(rows); lo += size {
		hi := min(lo+size, len(rows))
		if err := c.InsertAsync(table, rows[lo:hi]...); err != nil {
			return err
		}
	}
	return nil
}
