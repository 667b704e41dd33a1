package rowbinary

import "github.com/ajitpratap0/rowpipe/pkg/pool"

// maxPooledCapacity keeps one oversized batch from pinning memory forever.
const maxPooledCapacity = 8 << 20

var writerPool = pool.New(
	func() *Writer { return NewWriter(DefaultCapacity) },
	func(w *Writer) { w.Reset() },
)

// AcquireWriter returns an empty writer from the shared pool.
func AcquireWriter() *Writer {
	return writerPool.Get()
}

// ReleaseWriter returns w to the shared pool. Any slice obtained from
// w.Bytes() must not be used afterwards; use Finalize to keep the bytes.
func ReleaseWriter(w *Writer) {
	if w == nil || w.Cap() > maxPooledCapacity {
		return
	}
	writerPool.Put(w)
}

// WriterPoolStats exposes the shared pool statistics for metrics.
func WriterPoolStats() (allocated, inUse, hits, misses int64) {
	return writerPool.Stats()
}
