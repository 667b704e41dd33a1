package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/rowpipe/internal/pipeline"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/logger"
	"github.com/ajitpratap0/rowpipe/pkg/metrics"
	"github.com/ajitpratap0/rowpipe/pkg/observability"
	"github.com/ajitpratap0/rowpipe/pkg/pool"
	"github.com/ajitpratap0/rowpipe/pkg/rowbinary"
	"github.com/ajitpratap0/rowpipe/pkg/sink"
)

// InsertResult describes a completed insert.
type InsertResult struct {
	InsertID string
	Table    string
	Format   insert.Format
	Rows     int
	// Bytes is the size of the RowBinary body; zero for JSON formats.
	Bytes    int
	Duration time.Duration
}

// Inserter is a pending insert. Build resolves defaults and transforms the
// rows; Execute sends them. Nothing touches the network before Execute.
type Inserter struct {
	c        *Client
	table    string
	rows     []insert.Row
	override insert.Format
	workers  *bool

	built     bool
	err       error
	t         *table
	format    insert.Format
	processed []any
}

// Insert starts an insert into a registered table.
func (c *Client) Insert(table string, rows ...insert.Row) *Inserter {
	return &Inserter{c: c, table: table, rows: rows}
}

// Format forces the transport format of this insert.
func (i *Inserter) Format(f insert.Format) *Inserter {
	i.override = f
	i.built = false
	return i
}

// Workers overrides whether RowBinary encoding uses the worker pool.
func (i *Inserter) Workers(enabled bool) *Inserter {
	i.workers = &enabled
	return i
}

// Build processes the rows. Data errors, such as enum violations or missing
// server-generated values in positional formats, are reported here. Build
// is idempotent.
func (i *Inserter) Build() error {
	if i.built {
		return i.err
	}
	i.built = true
	i.err = i.build()
	return i.err
}

func (i *Inserter) build() error {
	t, err := i.c.table(i.table)
	if err != nil {
		return err
	}
	override := i.override
	if override == "" || override == insert.FormatAuto {
		override = t.format
	}
	processed, format, err := t.plan.ProcessBatch(i.rows, override)
	if err != nil {
		return errors.Wrap(err, errType(err), "table "+t.name).WithDetail("table", t.name)
	}
	i.t, i.format, i.processed = t, format, processed
	metrics.RowsProcessed.WithLabelValues(t.name, string(format)).Add(float64(len(processed)))
	return nil
}

// Query returns the INSERT statement Execute will send.
func (i *Inserter) Query() (string, error) {
	if err := i.Build(); err != nil {
		return "", err
	}
	return sink.InsertQuery(i.t.name, i.t.plan.ColumnNames(), i.format), nil
}

// Rows returns the processed rows: maps for JSONEachRow, positional slices
// otherwise.
func (i *Inserter) Rows() ([]any, error) {
	if err := i.Build(); err != nil {
		return nil, err
	}
	return i.processed, nil
}

// Execute builds the insert if needed and sends it.
func (i *Inserter) Execute(ctx context.Context) (*InsertResult, error) {
	if err := i.Build(); err != nil {
		return nil, err
	}

	id := pool.GenerateID("insert")
	ctx = context.WithValue(ctx, logger.TableKey, i.t.name)
	ctx = context.WithValue(ctx, logger.InsertIDKey, id)
	log := i.c.logger.With(logger.Fields(ctx)...)

	res := &InsertResult{InsertID: id, Table: i.t.name, Format: i.format, Rows: len(i.processed)}
	useWorkers := i.c.workers.Enabled
	if i.workers != nil {
		useWorkers = *i.workers
	}

	timer := metrics.NewTimer()
	err := observability.TraceBatch(ctx, "rowpipe.insert", i.t.name, len(i.processed), func(ctx context.Context) error {
		n, err := i.c.send(ctx, i.t, i.format, i.processed, useWorkers)
		res.Bytes = n
		return err
	})
	res.Duration = timer.Stop()
	if err != nil {
		log.Debug("insert failed", zap.Error(err))
		return nil, err
	}
	log.Debug("insert complete",
		zap.Int("rows", res.Rows),
		zap.String("format", string(res.Format)),
		zap.Int("bytes", res.Bytes),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// InsertAsync processes rows and queues them for background delivery with
// the default batch bounds.
func (c *Client) InsertAsync(table string, rows ...insert.Row) error {
	return c.InsertAsyncWith(table, BatchOptions{}, rows...)
}

// InsertAsyncWith is InsertAsync with per-call batch bounds. Processing
// errors are returned and nothing is queued; delivery errors go to the
// dead-letter function.
func (c *Client) InsertAsyncWith(table string, opts BatchOptions, rows ...insert.Row) error {
	// Holding the read lock keeps a concurrent Register from retiring the
	// plan between processing and queueing.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	t, ok := c.tables[table]
	if !ok {
		return notRegistered(table)
	}

	processed, format, err := t.plan.ProcessBatch(rows, t.format)
	if err != nil {
		return errors.Wrap(err, errType(err), "table "+t.name).WithDetail("table", t.name)
	}
	metrics.RowsProcessed.WithLabelValues(t.name, string(format)).Add(float64(len(processed)))

	cfg := opts.config()
	for _, row := range processed {
		if err := c.batcher.Add(t.key, row, cfg); err != nil {
			if errors.Is(err, pipeline.ErrBatcherClosed) {
				return ErrClientClosed
			}
			return err
		}
	}
	return nil
}

func (c *Client) flushBatch(ctx context.Context, dest string, rows []any) error {
	t, err := c.queued(dest)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, t, t.format, rows, c.workers.Enabled)
	return err
}

// send delivers processed rows and returns the RowBinary body size.
func (c *Client) send(ctx context.Context, t *table, format insert.Format, rows []any, useWorkers bool) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	columns := t.plan.ColumnNames()
	if format != insert.FormatRowBinary {
		return 0, c.sink.SendRows(ctx, t.name, columns, format, rows)
	}

	body, err := c.encode(ctx, t, rows, useWorkers)
	if err != nil {
		return 0, err
	}
	return len(body), c.sink.SendBinary(ctx, t.name, columns, body)
}

func (c *Client) encode(ctx context.Context, t *table, rows []any, useWorkers bool) ([]byte, error) {
	if useWorkers && len(rows) >= c.workers.MinRows {
		p, err := c.pool(t)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return encodeParallel(ctx, p, rows)
		}
	}

	w := rowbinary.AcquireWriter()
	defer rowbinary.ReleaseWriter(w)
	if err := t.plan.RowCodec().EncodeRows(w, rows); err != nil {
		return nil, err
	}
	metrics.BytesEncoded.Add(float64(w.Len()))
	return w.Finalize(), nil
}

// encodeParallel splits rows into one chunk per worker and concatenates the
// encoded chunks in order. RowBinary has no framing, so the result equals a
// single-pass encoding.
func encodeParallel(ctx context.Context, p *pipeline.WorkerPool, rows []any) ([]byte, error) {
	chunks := p.Size()
	if chunks > len(rows) {
		chunks = len(rows)
	}
	size := (len(rows) + chunks - 1) / chunks
	parts := make([][]byte, chunks)

	g, gctx := errgroup.WithContext(ctx)
	for n := 0; n < chunks; n++ {
		lo := n * size
		hi := min(lo+size, len(rows))
		if lo >= hi {
			break
		}
		g.Go(func() error {
			buf, err := p.Encode(gctx, rows[lo:hi])
			if err != nil {
				return errors.Wrap(err, errType(err), fmt.Sprintf("rows %d-%d", lo, hi-1)).
					WithDetail("first_row", lo)
			}
			parts[n] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, part := range parts {
		total += len(part)
	}
	body := make([]byte, 0, total)
	for _, part := range parts {
		body = append(body, part...)
	}
	return body, nil
}

func errType(err error) errors.ErrorType {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Type
	}
	return errors.ErrorTypeInternal
}
