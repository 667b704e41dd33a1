package sink

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
)

// WriterSink writes request bodies to an io.Writer instead of a server.
// Bodies from concurrent calls are never interleaved.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer

	batches atomic.Int64
	bytes   atomic.Int64
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// SendRows implements Sink.
func (s *WriterSink) SendRows(ctx context.Context, _ string, _ []string, format insert.Format, rows []any) error {
	body, err := EncodeRows(format, rows)
	if err != nil {
		return err
	}
	return s.write(ctx, body)
}

// SendBinary implements Sink.
func (s *WriterSink) SendBinary(ctx context.Context, _ string, _ []string, body []byte) error {
	return s.write(ctx, body)
}

// Stats returns the number of batches and bytes written.
func (s *WriterSink) Stats() (batches, bytes int64) {
	return s.batches.Load(), s.bytes.Load()
}

func (s *WriterSink) write(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeShutdown, "write cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(body); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "write batch")
	}
	s.batches.Add(1)
	s.bytes.Add(int64(len(body)))
	return nil
}
