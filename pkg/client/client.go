// Package client is the entry point for inserting rows into ClickHouse.
//
// A Client owns the per-table insert plans, one background batcher and one
// worker pool per table. Nothing is shared between clients.
//
//	c, err := client.New(client.Options{Sink: s})
//	_, err = c.Register("events", columns)
//	res, err := c.Insert("events", rows...).Execute(ctx)
//
// Rows added with InsertAsync are delivered in the background; call Flush or
// Close to wait for them.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/rowpipe/internal/pipeline"
	"github.com/ajitpratap0/rowpipe/pkg/config"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/logger"
	"github.com/ajitpratap0/rowpipe/pkg/sink"
)

// ErrClientClosed is returned by every operation after Close.
var ErrClientClosed = errors.New(errors.ErrorTypeShutdown, "client is closed")

// WorkerOptions controls RowBinary encoding on a worker pool.
type WorkerOptions struct {
	Enabled bool
	// Size of each table's pool. Zero means available CPUs minus one.
	Size int
	// MaxQueueDepth bounds queued encode tasks per table. Zero is unbounded.
	MaxQueueDepth int
	// MinRows is the smallest insert that goes to the pool. Smaller inserts
	// are encoded inline.
	MinRows int
}

// BatchOptions bounds the background queue of a table. Zero fields take
// the client's defaults: 10000 rows and one second.
type BatchOptions struct {
	MaxRows       int
	FlushInterval time.Duration
}

func (o BatchOptions) config() pipeline.BatchConfig {
	return pipeline.BatchConfig{MaxRows: o.MaxRows, FlushInterval: o.FlushInterval}
}

// DeadLetterFunc receives the processed rows of a background batch whose
// delivery failed, with the error.
type DeadLetterFunc func(table string, rows []any, err error)

// Options configures a Client.
type Options struct {
	Sink sink.Sink
	// Format forces a transport format for every table. Empty or auto lets
	// each table pick the most compact format its plan allows.
	Format  insert.Format
	Batch   BatchOptions
	Workers WorkerOptions
	// DeadLetter receives background batches that could not be delivered.
	DeadLetter DeadLetterFunc
	// FlushTimeout bounds each background delivery. Zero means no bound
	// beyond the sink's own timeout.
	FlushTimeout time.Duration
	Logger       *zap.Logger
}

// table is one registration of a table. Background rows are queued under
// key, so rows processed with an earlier plan are delivered with that plan
// even after the table is registered again.
type table struct {
	name   string
	key    string
	plan   *insert.Plan
	format insert.Format
	// retired is set under Client.mu once a newer registration replaces
	// this one.
	retired bool
}

// Client inserts rows into registered tables. It is safe for concurrent use.
type Client struct {
	sink    sink.Sink
	format  insert.Format
	workers WorkerOptions
	logger  *zap.Logger
	batcher *pipeline.Batcher

	mu          sync.RWMutex
	tables      map[string]*table
	queues      map[string]*table
	generations map[string]int
	pools       map[string]*pipeline.WorkerPool
	closed      bool
	poolsClosed bool
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.Sink == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "client needs a sink")
	}
	if opts.Format == "" {
		opts.Format = insert.FormatAuto
	}
	if _, err := insert.ParseFormat(string(opts.Format)); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}

	c := &Client{
		sink:    opts.Sink,
		format:  opts.Format,
		workers: opts.Workers,
		logger:  opts.Logger.With(zap.String("component", "client")),
		tables:      make(map[string]*table),
		queues:      make(map[string]*table),
		generations: make(map[string]int),
		pools:       make(map[string]*pipeline.WorkerPool),
	}

	var deadLetter pipeline.DeadLetterFunc
	if opts.DeadLetter != nil {
		deadLetter = func(key string, rows []any, err error) {
			opts.DeadLetter(c.tableName(key), rows, err)
		}
	}

	b, err := pipeline.NewBatcher(pipeline.BatcherConfig{
		Defaults:     opts.Batch.config(),
		Flush:        c.flushBatch,
		DeadLetter:   deadLetter,
		FlushTimeout: opts.FlushTimeout,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.batcher = b
	return c, nil
}

// NewFromConfig creates a client that inserts over HTTP as configured.
func NewFromConfig(cfg *config.Config, log *zap.Logger) (*Client, error) {
	httpCfg, err := sink.HTTPConfigFrom(cfg.ClickHouse)
	if err != nil {
		return nil, err
	}
	s, err := sink.NewHTTPSink(httpCfg, log)
	if err != nil {
		return nil, err
	}
	format, err := insert.ParseFormat(cfg.Insert.Format)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Sink:   s,
		Format: format,
		Batch: BatchOptions{
			MaxRows:       cfg.Batch.MaxRows,
			FlushInterval: cfg.Batch.FlushInterval,
		},
		Workers: WorkerOptions{
			Enabled:       cfg.Workers.Enabled,
			Size:          cfg.Workers.Size,
			MaxQueueDepth: cfg.Workers.MaxQueueDepth,
			MinRows:       cfg.Workers.MinRows,
		},
		Logger: log,
	})
}

// Register builds and stores the plan for a table. Registering a table
// again replaces its plan.
func (c *Client) Register(name string, columns []insert.ColumnDef) (*insert.Plan, error) {
	plan, err := insert.Build(columns)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "table "+name).WithDetail("table", name)
	}
	return plan, c.register(name, plan, c.format)
}

// RegisterSchema registers a table loaded with insert.LoadSchema. A format
// set in the schema file beats the client's format.
func (c *Client) RegisterSchema(s *insert.TableSchema) (*insert.Plan, error) {
	plan, err := s.Plan()
	if err != nil {
		return nil, err
	}
	format := c.format
	if f := s.InsertFormat(); f != insert.FormatAuto {
		format = f
	}
	return plan, c.register(s.QualifiedTable(), plan, format)
}

func (c *Client) register(name string, plan *insert.Plan, override insert.Format) error {
	if name == "" {
		return errors.New(errors.ErrorTypeConfig, "table name is required")
	}
	t := &table{name: name, plan: plan, format: insert.Resolve(plan, override)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	gen := c.generations[name] + 1
	c.generations[name] = gen
	t.key = name
	if gen > 1 {
		t.key = fmt.Sprintf("%s#%d", name, gen)
	}
	old, replaced := c.tables[name]
	if replaced {
		old.retired = true
		if p, ok := c.pools[old.key]; ok {
			delete(c.pools, old.key)
			go func() { _ = p.Shutdown(context.Background()) }()
		}
	}
	c.tables[name] = t
	c.queues[t.key] = t
	c.mu.Unlock()

	// Rows queued under the old plan go out now, still with the old plan.
	if replaced {
		c.batcher.Flush(old.key)
	}

	c.logger.Debug("table registered",
		zap.String("table", name),
		zap.Int("generation", gen),
		zap.Int("columns", plan.Len()),
		zap.String("format", string(t.format)))
	return nil
}

// Plan returns the plan registered for a table.
func (c *Client) Plan(name string) (*insert.Plan, bool) {
	t, err := c.table(name)
	if err != nil {
		return nil, false
	}
	return t.plan, true
}

// Format returns the format a table's rows travel in by default.
func (c *Client) Format(name string) (insert.Format, error) {
	t, err := c.table(name)
	if err != nil {
		return "", err
	}
	return t.format, nil
}

// Returning infers the row as it would be stored, without sending it.
func (c *Client) Returning(name string, row insert.Row) (insert.Row, error) {
	t, err := c.table(name)
	if err != nil {
		return nil, err
	}
	return t.plan.Returning(row)
}

// Flush delivers every background batch and waits for the deliveries.
func (c *Client) Flush(ctx context.Context) error {
	return c.batcher.FlushAll(ctx)
}

// Close flushes the batcher, stops the worker pools and rejects further
// calls. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.batcher.Close(ctx)

	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*pipeline.WorkerPool)
	c.poolsClosed = true
	c.mu.Unlock()
	for name, p := range pools {
		if perr := p.Shutdown(ctx); perr != nil && err == nil {
			err = perr
		}
		c.logger.Debug("worker pool stopped", zap.String("table", name))
	}
	return err
}

func (c *Client) table(name string) (*table, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClientClosed
	}
	return c.lookup(name)
}

func (c *Client) lookup(name string) (*table, error) {
	c.mu.RLock()
	t, ok := c.tables[name]
	c.mu.RUnlock()
	if !ok {
		return nil, notRegistered(name)
	}
	return t, nil
}

// queued finds the registration a background queue belongs to, even after
// Close or a newer registration.
func (c *Client) queued(key string) (*table, error) {
	c.mu.RLock()
	t, ok := c.queues[key]
	c.mu.RUnlock()
	if !ok {
		return nil, notRegistered(key)
	}
	return t, nil
}

func (c *Client) tableName(key string) string {
	if t, err := c.queued(key); err == nil {
		return t.name
	}
	return key
}

func notRegistered(name string) error {
	return errors.Newf(errors.ErrorTypeValidation, "table %q is not registered", name).
		WithDetail("table", name)
}

// pool returns the table's worker pool, starting it on first use. It
// returns nil once the pools have been stopped or the registration has been
// replaced; callers then encode inline.
func (c *Client) pool(t *table) (*pipeline.WorkerPool, error) {
	c.mu.RLock()
	p, ok := c.pools[t.key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poolsClosed || t.retired {
		return nil, nil
	}
	if p, ok := c.pools[t.key]; ok {
		return p, nil
	}
	p, err := pipeline.NewWorkerPool(t.plan.WireColumns(), pipeline.PoolConfig{
		Size:          c.workers.Size,
		MaxQueueDepth: c.workers.MaxQueueDepth,
		Logger:        c.logger.With(zap.String("table", t.name)),
	})
	if err != nil {
		return nil, err
	}
	c.pools[t.key] = p
	return p, nil
}
