package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/rowpipe/pkg/codec"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/metrics"
	"github.com/ajitpratap0/rowpipe/pkg/rowbinary"
)

var (
	// ErrPoolShutdown is returned for tasks submitted to, or still queued
	// in, a pool that is shutting down.
	ErrPoolShutdown = errors.New(errors.ErrorTypeShutdown, "worker pool is shut down")
	// ErrWorkerCrashed fails the task a worker was running when it panicked.
	ErrWorkerCrashed = errors.New(errors.ErrorTypeInternal, "worker crashed")
)

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	// Size is the number of workers. Zero means available CPUs minus one.
	Size int
	// MaxQueueDepth bounds the number of tasks that are queued or running.
	// Submit blocks while the pool is full. Zero means unbounded.
	MaxQueueDepth int
	Logger        *zap.Logger
}

// Task is a batch of positional rows waiting for a worker.
type Task struct {
	BatchID uint64
	Rows    []any

	done chan Result
}

// Result is the outcome of a task. Buffer is owned by the receiver.
type Result struct {
	BatchID  uint64
	Buffer   []byte
	RowCount int
	Err      error
}

// PoolStats is a snapshot of the pool's accounting.
type PoolStats struct {
	Workers   int
	Idle      int
	Queued    int
	Submitted uint64
	Succeeded uint64
	Failed    uint64
	Crashed   uint64
	Rejected  uint64
	Respawns  uint64
}

type encodeFunc func(rc *codec.RowCodec, w *rowbinary.Writer, rows []any) error

type worker struct {
	id    int
	inbox chan *Task
}

// WorkerPool encodes batches of rows to RowBinary on a fixed set of
// goroutines. Each worker compiles its own RowCodec for the column list.
// Tasks wait in a FIFO and go to the first idle worker.
type WorkerPool struct {
	columns []codec.Column
	size    int
	encode  encodeFunc
	sem     *semaphore.Weighted
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []*Task
	idle    []*worker
	workers map[int]*worker
	nextID  int
	closed  bool

	wg      sync.WaitGroup
	batchID atomic.Uint64

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	crashed   atomic.Uint64
	rejected  atomic.Uint64
	respawns  atomic.Uint64
}

// NewWorkerPool validates the column list and starts the workers.
func NewWorkerPool(columns []codec.Column, cfg PoolConfig) (*WorkerPool, error) {
	return newWorkerPool(columns, cfg, (*codec.RowCodec).EncodeRows)
}

func newWorkerPool(columns []codec.Column, cfg PoolConfig, encode encodeFunc) (*WorkerPool, error) {
	if _, err := codec.NewRowCodec(columns); err != nil {
		return nil, err
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		columns: append([]codec.Column(nil), columns...),
		size:    cfg.Size,
		encode:  encode,
		logger:  cfg.Logger.With(zap.String("component", "worker_pool")),
		workers: make(map[int]*worker, cfg.Size),
	}
	if cfg.MaxQueueDepth > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxQueueDepth))
	}

	p.mu.Lock()
	for i := 0; i < cfg.Size; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.logger.Debug("worker pool started",
		zap.Int("workers", cfg.Size),
		zap.Int("max_queue_depth", cfg.MaxQueueDepth))
	return p, nil
}

// DefaultPoolSize is the number of logical CPUs minus one, at least 1.
func DefaultPoolSize() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	if n > 1 {
		return n - 1
	}
	return 1
}

// Size returns the configured number of workers.
func (p *WorkerPool) Size() int { return p.size }

// Submit queues rows for encoding. Every element of rows must be a
// positional []any. The returned channel receives exactly one Result and is
// then closed.
func (p *WorkerPool) Submit(ctx context.Context, rows []any) (<-chan Result, error) {
	if p.isClosed() {
		p.rejected.Add(1)
		metrics.WorkerTasks.WithLabelValues("rejected").Inc()
		return nil, ErrPoolShutdown
	}
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCapacity, "worker pool queue is full")
		}
	}

	task := &Task{
		BatchID: p.batchID.Add(1),
		Rows:    rows,
		done:    make(chan Result, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.release()
		p.rejected.Add(1)
		metrics.WorkerTasks.WithLabelValues("rejected").Inc()
		return nil, ErrPoolShutdown
	}
	p.submitted.Add(1)
	p.queue = append(p.queue, task)
	p.dispatchLocked()
	p.mu.Unlock()

	return task.done, nil
}

// Encode submits rows and waits for the buffer.
func (p *WorkerPool) Encode(ctx context.Context, rows []any) ([]byte, error) {
	ch, err := p.Submit(ctx, rows)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Buffer, res.Err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "waiting for worker pool")
	}
}

// Shutdown fails queued tasks with ErrPoolShutdown, lets running tasks
// finish and waits for every worker to exit.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		queued := p.queue
		p.queue = nil
		for _, t := range queued {
			p.rejected.Add(1)
			metrics.WorkerTasks.WithLabelValues("rejected").Inc()
			p.finish(t, Result{BatchID: t.BatchID, RowCount: len(t.Rows), Err: ErrPoolShutdown})
		}
		for _, w := range p.workers {
			close(w.inbox)
		}
		p.idle = nil
		metrics.QueueDepth.WithLabelValues("worker_pool").Set(0)
		if len(queued) > 0 {
			p.logger.Warn("rejected queued tasks on shutdown", zap.Int("tasks", len(queued)))
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Debug("worker pool stopped", zap.Uint64("tasks", p.submitted.Load()))
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "waiting for workers to exit")
	}
}

// Stats returns a snapshot of the pool's accounting.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	s := PoolStats{
		Workers: len(p.workers),
		Idle:    len(p.idle),
		Queued:  len(p.queue),
	}
	p.mu.Unlock()
	s.Submitted = p.submitted.Load()
	s.Succeeded = p.succeeded.Load()
	s.Failed = p.failed.Load()
	s.Crashed = p.crashed.Load()
	s.Rejected = p.rejected.Load()
	s.Respawns = p.respawns.Load()
	return s
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *WorkerPool) spawnLocked() {
	p.nextID++
	w := &worker{id: p.nextID, inbox: make(chan *Task, 1)}
	p.workers[w.id] = w
	p.wg.Add(1)
	go p.run(w)
}

func (p *WorkerPool) run(w *worker) {
	defer p.wg.Done()

	rc, err := codec.NewRowCodec(p.columns)
	if err != nil {
		// the column list was compiled once already in newWorkerPool
		p.logger.Error("worker failed to compile row codec", zap.Int("worker_id", w.id), zap.Error(err))
		p.retire(w)
		return
	}
	p.ready(w)

	for task := range w.inbox {
		res, crashed := p.runTask(rc, w, task)
		p.finish(task, res)
		if crashed {
			p.replace(w)
			return
		}
		p.ready(w)
	}
	p.retire(w)
}

func (p *WorkerPool) runTask(rc *codec.RowCodec, w *worker, task *Task) (res Result, crashed bool) {
	res = Result{BatchID: task.BatchID, RowCount: len(task.Rows)}
	buf := rowbinary.AcquireWriter()

	defer func() {
		if r := recover(); r != nil {
			p.crashed.Add(1)
			metrics.WorkerTasks.WithLabelValues("crashed").Inc()
			p.logger.Error("worker crashed",
				zap.Int("worker_id", w.id),
				zap.Uint64("batch_id", task.BatchID),
				zap.Any("panic", r))
			res.Buffer = nil
			res.Err = errors.Wrap(ErrWorkerCrashed, errors.ErrorTypeInternal, fmt.Sprintf("batch %d: %v", task.BatchID, r)).
				WithDetail("batch_id", task.BatchID)
			crashed = true
		}
	}()

	if err := p.encode(rc, buf, task.Rows); err != nil {
		rowbinary.ReleaseWriter(buf)
		p.failed.Add(1)
		metrics.WorkerTasks.WithLabelValues("failure").Inc()
		res.Err = err
		return res, false
	}
	res.Buffer = buf.Finalize()
	rowbinary.ReleaseWriter(buf)

	p.succeeded.Add(1)
	metrics.WorkerTasks.WithLabelValues("success").Inc()
	metrics.BytesEncoded.Add(float64(len(res.Buffer)))
	return res, false
}

func (p *WorkerPool) finish(t *Task, res Result) {
	t.done <- res
	close(t.done)
	p.release()
}

func (p *WorkerPool) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// ready marks w idle and hands it the next queued task, if any.
func (p *WorkerPool) ready(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.idle = append(p.idle, w)
	p.dispatchLocked()
}

func (p *WorkerPool) dispatchLocked() {
	for len(p.queue) > 0 && len(p.idle) > 0 {
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		w := p.idle[0]
		p.idle = p.idle[1:]
		w.inbox <- task
	}
	metrics.QueueDepth.WithLabelValues("worker_pool").Set(float64(len(p.queue)))
}

// replace retires a crashed worker and starts a new one in its place.
func (p *WorkerPool) replace(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, w.id)
	if p.closed {
		return
	}
	p.respawns.Add(1)
	metrics.WorkerRespawns.Inc()
	p.spawnLocked()
}

func (p *WorkerPool) retire(w *worker) {
	p.mu.Lock()
	delete(p.workers, w.id)
	p.mu.Unlock()
}
