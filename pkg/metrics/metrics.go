// Package metrics exposes rowpipe's Prometheus metrics.
//
// All collectors are registered with the default registry on package load,
// so a process only has to serve promhttp.Handler() to publish them.
//
// # Basic Usage
//
//	// Count rows accepted by a plan
//	metrics.RowsProcessed.WithLabelValues("events", "RowBinary").Add(float64(len(rows)))
//
//	// Time an insert
//	timer := metrics.NewTimer()
//	err := sink.SendBinary(ctx, table, columns, body)
//	metrics.InsertLatency.WithLabelValues(table, metrics.Status(err)).Observe(timer.Stop().Seconds())
//
//	// Track throughput
//	tracker := metrics.NewThroughputTracker("events")
//	tracker.Increment(int64(len(rows)))
//	rowsPerSecond := tracker.GetAndReset()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsProcessed counts rows that went through a plan.
	// Labels: table, format
	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpipe_rows_processed_total",
			Help: "Total number of rows processed by insert plans",
		},
		[]string{"table", "format"},
	)

	// BytesEncoded counts RowBinary bytes produced by the codec and workers.
	BytesEncoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rowpipe_bytes_encoded_total",
			Help: "Total number of RowBinary bytes produced",
		},
	)

	// BatcherFlushes counts background flushes.
	// Labels: trigger (size/timer/manual/close), status (success/failure)
	BatcherFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpipe_batcher_flushes_total",
			Help: "Background batch flushes by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)

	// BatcherDroppedRows counts rows lost to failed background flushes.
	BatcherDroppedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpipe_batcher_dropped_rows_total",
			Help: "Rows in background batches whose delivery failed",
		},
		[]string{"table"},
	)

	// QueueDepth tracks pending rows per destination and pending worker tasks.
	// Labels: queue_name
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rowpipe_queue_depth",
			Help: "Current queue depth",
		},
		[]string{"queue_name"},
	)

	// WorkerTasks counts worker pool tasks by outcome.
	// Labels: status (success/failure/crashed/rejected)
	WorkerTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpipe_worker_tasks_total",
			Help: "Worker pool tasks by outcome",
		},
		[]string{"status"},
	)

	// WorkerRespawns counts workers replaced after a crash.
	WorkerRespawns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rowpipe_worker_respawns_total",
			Help: "Workers respawned after a crash",
		},
	)

	// CodecFallbacks counts codecs compiled for unmodelled types.
	CodecFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rowpipe_codec_fallback_total",
			Help: "Codecs compiled with the string fallback for an unmodelled type",
		},
	)

	// InsertLatency tracks sink round trips in seconds.
	// Labels: table, status
	InsertLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rowpipe_insert_latency_seconds",
			Help:    "Insert latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"table", "status"},
	)

	// SinkRetries counts retried sink requests.
	// Labels: table
	SinkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpipe_sink_retries_total",
			Help: "Sink requests retried after a retryable error",
		},
		[]string{"table"},
	)

	// Throughput tracks rows per second per table.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rowpipe_throughput_rows_per_second",
			Help: "Current throughput in rows per second",
		},
		[]string{"table"},
	)
)

// Status maps an error to the status label value.
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks rows per second over time windows.
// Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	table     string
}

// NewThroughputTracker creates a tracker labelled with table.
func NewThroughputTracker(table string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		table:     table,
	}
}

// Increment adds n to the row count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns rows per second since the last reset, publishes it to
// the Throughput gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.table).Set(throughput)

	return throughput
}
