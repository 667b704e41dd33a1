package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/metrics"
	"github.com/ajitpratap0/rowpipe/pkg/observability"
)

// ErrBatcherClosed is returned by Add after Close.
var ErrBatcherClosed = errors.New(errors.ErrorTypeShutdown, "batcher is closed")

// Flush triggers, used as the metrics label.
const (
	TriggerSize   = "size"
	TriggerTimer  = "timer"
	TriggerManual = "manual"
	TriggerClose  = "close"
)

// BatchConfig bounds a destination queue. Zero fields take the batcher's
// defaults.
type BatchConfig struct {
	MaxRows       int
	FlushInterval time.Duration
}

// DefaultBatchConfig matches the defaults of the batch configuration section.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxRows: 10000, FlushInterval: time.Second}
}

func (c BatchConfig) withDefaults(d BatchConfig) BatchConfig {
	if c.MaxRows <= 0 {
		c.MaxRows = d.MaxRows
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	return c
}

// FlushFunc delivers one batch for a destination.
type FlushFunc func(ctx context.Context, dest string, rows []any) error

// DeadLetterFunc receives batches whose delivery failed.
type DeadLetterFunc func(dest string, rows []any, err error)

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	Defaults     BatchConfig
	Flush        FlushFunc
	DeadLetter   DeadLetterFunc
	FlushTimeout time.Duration
	Logger       *zap.Logger
}

type destinationQueue struct {
	mu         sync.Mutex
	pending    []any
	timer      *time.Timer
	generation uint64
}

// take swaps out the pending rows and cancels the timer. Callers hold q.mu.
func (q *destinationQueue) take() []any {
	batch := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.generation++
	return batch
}

// Batcher accumulates rows per destination and flushes a queue when it
// reaches MaxRows or FlushInterval after its first row. Deliveries run in
// their own goroutines; failures are logged, counted and dead-lettered, never
// returned to Add.
type Batcher struct {
	defaults     BatchConfig
	flush        FlushFunc
	deadLetter   DeadLetterFunc
	flushTimeout time.Duration
	logger       *zap.Logger

	state  sync.RWMutex
	closed bool

	mu     sync.Mutex
	queues map[string]*destinationQueue

	inflightMu sync.Mutex
	inflight   int
	idle       chan struct{}
}

// NewBatcher creates a batcher.
func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.Flush == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "batcher needs a flush function")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Batcher{
		defaults:     cfg.Defaults.withDefaults(DefaultBatchConfig()),
		flush:        cfg.Flush,
		deadLetter:   cfg.DeadLetter,
		flushTimeout: cfg.FlushTimeout,
		logger:       cfg.Logger.With(zap.String("component", "batcher")),
		queues:       make(map[string]*destinationQueue),
		idle:         idle,
	}, nil
}

// Add appends row to the queue of dest. cfg overrides the defaults for this
// call.
func (b *Batcher) Add(dest string, row any, cfg BatchConfig) error {
	b.state.RLock()
	defer b.state.RUnlock()
	if b.closed {
		return ErrBatcherClosed
	}
	cfg = cfg.withDefaults(b.defaults)
	q := b.queue(dest)

	q.mu.Lock()
	q.pending = append(q.pending, row)
	n := len(q.pending)
	if n >= cfg.MaxRows {
		batch := q.take()
		q.mu.Unlock()
		b.dispatch(dest, batch, TriggerSize)
		return nil
	}
	if n == 1 {
		gen := q.generation
		q.timer = time.AfterFunc(cfg.FlushInterval, func() { b.onTimer(dest, q, gen) })
	}
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(queueName(dest)).Set(float64(n))
	return nil
}

// Flush starts delivery of whatever is pending for dest.
func (b *Batcher) Flush(dest string) {
	b.mu.Lock()
	q, ok := b.queues[dest]
	b.mu.Unlock()
	if ok {
		b.flushQueue(dest, q, TriggerManual)
	}
}

// FlushAll flushes every non-empty queue and waits until all deliveries,
// including ones already in flight, have finished.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.flushAll(TriggerManual)
	return b.wait(ctx)
}

// Close rejects further adds, flushes every queue and waits for delivery.
func (b *Batcher) Close(ctx context.Context) error {
	b.state.Lock()
	already := b.closed
	b.closed = true
	b.state.Unlock()

	if !already {
		b.flushAll(TriggerClose)
	}
	return b.wait(ctx)
}

// Pending returns the number of rows queued for dest.
func (b *Batcher) Pending(dest string) int {
	b.mu.Lock()
	q, ok := b.queues[dest]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (b *Batcher) queue(dest string) *destinationQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[dest]
	if !ok {
		q = &destinationQueue{}
		b.queues[dest] = q
	}
	return q
}

func (b *Batcher) flushAll(trigger string) {
	b.mu.Lock()
	queues := make(map[string]*destinationQueue, len(b.queues))
	for dest, q := range b.queues {
		queues[dest] = q
	}
	b.mu.Unlock()

	for dest, q := range queues {
		b.flushQueue(dest, q, trigger)
	}
}

func (b *Batcher) flushQueue(dest string, q *destinationQueue, trigger string) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.take()
	q.mu.Unlock()
	b.dispatch(dest, batch, trigger)
}

func (b *Batcher) onTimer(dest string, q *destinationQueue, gen uint64) {
	q.mu.Lock()
	if q.generation != gen || len(q.pending) == 0 {
		// superseded by a size flush or a manual flush
		q.mu.Unlock()
		return
	}
	batch := q.take()
	q.mu.Unlock()
	b.dispatch(dest, batch, TriggerTimer)
}

func (b *Batcher) dispatch(dest string, rows []any, trigger string) {
	metrics.QueueDepth.WithLabelValues(queueName(dest)).Set(0)

	b.inflightMu.Lock()
	if b.inflight == 0 {
		b.idle = make(chan struct{})
	}
	b.inflight++
	b.inflightMu.Unlock()

	go func() {
		defer b.done()
		b.deliver(dest, rows, trigger)
	}()
}

func (b *Batcher) done() {
	b.inflightMu.Lock()
	b.inflight--
	if b.inflight == 0 {
		close(b.idle)
	}
	b.inflightMu.Unlock()
}

func (b *Batcher) wait(ctx context.Context) error {
	b.inflightMu.Lock()
	idle := b.idle
	b.inflightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "waiting for batch deliveries")
	}
}

func (b *Batcher) deliver(dest string, rows []any, trigger string) {
	ctx := context.Background()
	if b.flushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.flushTimeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, "rowpipe.batcher.flush",
		attribute.String("rowpipe.table", dest),
		attribute.Int("rowpipe.rows", len(rows)),
		attribute.String("rowpipe.trigger", trigger),
	)
	timer := metrics.NewTimer()
	err := b.safeFlush(ctx, dest, rows)
	span.End(err)
	metrics.BatcherFlushes.WithLabelValues(trigger, metrics.Status(err)).Inc()

	if err == nil {
		b.logger.Debug("batch flushed",
			zap.String("table", dest),
			zap.Int("rows", len(rows)),
			zap.String("trigger", trigger),
			zap.Duration("duration", timer.Stop()))
		return
	}

	metrics.BatcherDroppedRows.WithLabelValues(dest).Add(float64(len(rows)))
	b.logger.Error("batch flush failed",
		zap.String("table", dest),
		zap.Int("rows", len(rows)),
		zap.String("trigger", trigger),
		zap.Error(err))
	if b.deadLetter != nil {
		b.deadLetter(dest, rows, err)
	}
}

func (b *Batcher) safeFlush(ctx context.Context, dest string, rows []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "flush of %q panicked: %v", dest, r)
		}
	}()
	return b.flush(ctx, dest, rows)
}

func queueName(dest string) string {
	return fmt.Sprintf("batcher/%s", dest)
}
