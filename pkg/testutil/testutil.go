// Package testutil provides testing utilities for rowpipe
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/rowpipe/pkg/insert"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a context that ends with the test or after 30s.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Batch is one call recorded by RecordingSink.
type Batch struct {
	Table   string
	Columns []string
	Format  insert.Format
	Rows    []any
	Body    []byte
}

// RecordingSink is an in-memory sink. Fail, when set, decides the outcome of
// each call before it is recorded.
type RecordingSink struct {
	mu      sync.Mutex
	batches []Batch

	Fail func(b Batch) error
}

// SendRows records a JSON batch.
func (s *RecordingSink) SendRows(_ context.Context, table string, columns []string, format insert.Format, rows []any) error {
	return s.record(Batch{Table: table, Columns: columns, Format: format, Rows: rows})
}

// SendBinary records a RowBinary batch.
func (s *RecordingSink) SendBinary(_ context.Context, table string, columns []string, body []byte) error {
	return s.record(Batch{Table: table, Columns: columns, Format: insert.FormatRowBinary, Body: body})
}

func (s *RecordingSink) record(b Batch) error {
	if s.Fail != nil {
		if err := s.Fail(b); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	return nil
}

// Batches returns a copy of the recorded batches.
func (s *RecordingSink) Batches() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

// RowCount sums the rows of JSON batches for table.
func (s *RecordingSink) RowCount(table string) int {
	n := 0
	for _, b := range s.Batches() {
		if b.Table == table {
			n += len(b.Rows)
		}
	}
	return n
}
