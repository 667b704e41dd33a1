package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/rowpipe/pkg/codec"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/testutil"
)

var eventColumns = []insert.ColumnDef{
	{Name: "id", Type: "UInt64"},
	{Name: "kind", Type: "Enum8('click' = 1, 'view' = 2)"},
	{Name: "user", Type: "String", Default: "anonymous"},
	{Name: "score", Type: "Float64", Nullable: true},
}

var auditColumns = []insert.ColumnDef{
	{Name: "id", Type: "UUID", DefaultExpr: "generateUUIDv4()"},
	{Name: "action", Type: "String"},
}

func newClient(t *testing.T, s *testutil.RecordingSink, opts Options) *Client {
	t.Helper()
	opts.Sink = s
	opts.Logger = testutil.TestLogger(t)
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func events(n int) []insert.Row {
	rows := make([]insert.Row, n)
	for i := range rows {
		rows[i] = insert.Row{"id": uint64(i), "kind": "click", "score": float64(i)}
	}
	return rows
}

func TestNew(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New(Options{Sink: &testutil.RecordingSink{}, Format: "Parquet"})
	require.Error(t, err)
}

func TestClient_Register(t *testing.T) {
	c := newClient(t, &testutil.RecordingSink{}, Options{})

	plan, err := c.Register("events", eventColumns)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Len())

	got, ok := c.Plan("events")
	require.True(t, ok)
	assert.Same(t, plan, got)

	f, err := c.Format("events")
	require.NoError(t, err)
	assert.Equal(t, insert.FormatRowBinary, f)

	_, err = c.Register("audit", auditColumns)
	require.NoError(t, err)
	f, err = c.Format("audit")
	require.NoError(t, err)
	assert.Equal(t, insert.FormatJSONEachRow, f)

	_, err = c.Register("broken", []insert.ColumnDef{{Name: "x", Type: "FixedString(abc)"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, ok = c.Plan("missing")
	assert.False(t, ok)
	_, err = c.Format("missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestClient_ForcedFormat(t *testing.T) {
	c := newClient(t, &testutil.RecordingSink{}, Options{Format: insert.FormatJSONCompactEachRow})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	f, err := c.Format("events")
	require.NoError(t, err)
	assert.Equal(t, insert.FormatJSONCompactEachRow, f)
}

func TestInserter_BuildExecute(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	ins := c.Insert("events", events(3)...)
	require.NoError(t, ins.Build())
	assert.Empty(t, s.Batches(), "Build does not send")

	q, err := ins.Query()
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO events (`id`, `kind`, `user`, `score`) FORMAT RowBinary", q)

	rows, err := ins.Rows()
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(1), "click", "anonymous", float64(1)}, rows[1])

	res, err := ins.Execute(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, insert.FormatRowBinary, res.Format)
	assert.NotEmpty(t, res.InsertID)

	batches := s.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"id", "kind", "user", "score"}, batches[0].Columns)
	assert.Len(t, batches[0].Body, res.Bytes)

	plan, _ := c.Plan("events")
	decoded, err := plan.RowCodec().DecodeAll(batches[0].Body)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, []any{uint64(2), "click", "anonymous", float64(2)}, decoded[2])
}

func TestInserter_JSONFormats(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{})
	_, err := c.Register("audit", auditColumns)
	require.NoError(t, err)
	_, err = c.Register("events", eventColumns)
	require.NoError(t, err)

	_, err = c.Insert("audit", insert.Row{"action": "login"}).Execute(testutil.TestContext(t))
	require.NoError(t, err)

	_, err = c.Insert("events", events(2)...).Format(insert.FormatJSONCompactEachRow).Execute(testutil.TestContext(t))
	require.NoError(t, err)

	batches := s.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, insert.FormatJSONEachRow, batches[0].Format)
	assert.Equal(t, []any{map[string]any{"action": "login"}}, batches[0].Rows)
	assert.Equal(t, insert.FormatJSONCompactEachRow, batches[1].Format)
	assert.Equal(t, []any{uint64(0), "click", "anonymous", float64(0)}, batches[1].Rows[0])
}

func TestInserter_DataErrors(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)
	_, err = c.Register("audit", auditColumns)
	require.NoError(t, err)

	rows := events(3)
	rows[1]["kind"] = "purchase"
	_, err = c.Insert("events", rows...).Execute(testutil.TestContext(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.Contains(t, err.Error(), "purchase")

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	table, _ := e.Detail("table")
	assert.Equal(t, "events", table)

	_, err = c.Insert("audit", insert.Row{"action": "x"}).Format(insert.FormatRowBinary).Execute(testutil.TestContext(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	_, err = c.Insert("missing", insert.Row{}).Execute(testutil.TestContext(t))
	require.Error(t, err)

	assert.Empty(t, s.Batches())
}

func TestInserter_SinkErrorIsReturned(t *testing.T) {
	s := &testutil.RecordingSink{Fail: func(testutil.Batch) error {
		return errors.New(errors.ErrorTypeConnection, "refused")
	}}
	c := newClient(t, s, Options{})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	_, err = c.Insert("events", events(1)...).Execute(testutil.TestContext(t))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestInserter_EmptyInsert(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	res, err := c.Insert("events").Execute(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assert.Empty(t, s.Batches())
}

func TestInserter_Workers(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{Workers: WorkerOptions{Enabled: true, Size: 3, MinRows: 10}})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	res, err := c.Insert("events", events(100)...).Execute(testutil.TestContext(t))
	require.NoError(t, err)

	inline, err := c.Insert("events", events(100)...).Workers(false).Execute(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, inline.Bytes, res.Bytes)

	batches := s.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, batches[1].Body, batches[0].Body, "parallel encoding matches inline encoding")

	plan, _ := c.Plan("events")
	decoded, err := plan.RowCodec().DecodeAll(batches[0].Body)
	require.NoError(t, err)
	require.Len(t, decoded, 100)
	for i, row := range decoded {
		assert.Equal(t, uint64(i), row[0])
	}
}

func TestClient_InsertAsync(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{Batch: BatchOptions{MaxRows: 4, FlushInterval: time.Hour}})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	require.NoError(t, c.InsertAsync("events", events(6)...))
	require.Eventually(t, func() bool { return len(s.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Flush(testutil.TestContext(t)))
	batches := s.Batches()
	require.Len(t, batches, 2)

	plan, _ := c.Plan("events")
	total := 0
	for _, b := range batches {
		rows, err := plan.RowCodec().DecodeAll(b.Body)
		require.NoError(t, err)
		total += len(rows)
	}
	assert.Equal(t, 6, total)
}

func TestClient_InsertAsyncInterval(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{Format: insert.FormatJSONEachRow})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	require.NoError(t, c.InsertAsyncWith("events", BatchOptions{FlushInterval: 20 * time.Millisecond}, events(2)...))
	require.Eventually(t, func() bool { return s.RowCount("events") == 2 }, time.Second, 5*time.Millisecond)
}

func TestClient_InsertAsyncErrors(t *testing.T) {
	var mu sync.Mutex
	var dead []any
	s := &testutil.RecordingSink{Fail: func(testutil.Batch) error {
		return errors.New(errors.ErrorTypeQuery, "table is read only")
	}}
	c := newClient(t, s, Options{DeadLetter: func(table string, rows []any, err error) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, rows...)
	}})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	bad := events(2)
	bad[1]["kind"] = "nope"
	err = c.InsertAsync("events", bad...)
	require.Error(t, err, "processing errors are returned to the caller")

	require.NoError(t, c.InsertAsync("events", events(3)...), "delivery errors are not")
	require.NoError(t, c.Flush(testutil.TestContext(t)))

	mu.Lock()
	assert.Len(t, dead, 3)
	mu.Unlock()
}

func TestClient_ReRegisterKeepsQueuedPlan(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{Batch: BatchOptions{MaxRows: 100, FlushInterval: time.Hour}})

	oldPlan, err := c.Register("t", []insert.ColumnDef{
		{Name: "a", Type: "UInt32"},
		{Name: "b", Type: "String"},
	})
	require.NoError(t, err)
	require.NoError(t, c.InsertAsync("t", insert.Row{"a": 7, "b": "x"}))

	_, err = c.Register("t", []insert.ColumnDef{
		{Name: "id", Type: "UUID", DefaultExpr: "generateUUIDv4()"},
		{Name: "a", Type: "UInt32"},
		{Name: "b", Type: "String"},
	})
	require.NoError(t, err)
	require.NoError(t, c.InsertAsync("t", insert.Row{"a": 8, "b": "y"}))
	require.NoError(t, c.Flush(testutil.TestContext(t)))

	batches := s.Batches()
	require.Len(t, batches, 2)
	byFormat := map[insert.Format]testutil.Batch{}
	for _, b := range batches {
		assert.Equal(t, "t", b.Table)
		byFormat[b.Format] = b
	}

	old, ok := byFormat[insert.FormatRowBinary]
	require.True(t, ok, "rows queued before re-registration keep their plan")
	assert.Equal(t, []string{"a", "b"}, old.Columns)
	rows, err := oldPlan.RowCodec().DecodeAll(old.Body)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{uint32(7), "x"}}, rows)

	cur, ok := byFormat[insert.FormatJSONEachRow]
	require.True(t, ok)
	assert.Equal(t, []string{"id", "a", "b"}, cur.Columns)
	require.Len(t, cur.Rows, 1)
}

func TestClient_ReRegisterDeadLetterUsesTableName(t *testing.T) {
	var mu sync.Mutex
	tables := map[string]int{}
	s := &testutil.RecordingSink{Fail: func(testutil.Batch) error {
		return errors.New(errors.ErrorTypeQuery, "table is read only")
	}}
	c := newClient(t, s, Options{
		Batch: BatchOptions{MaxRows: 100, FlushInterval: time.Hour},
		DeadLetter: func(table string, rows []any, err error) {
			mu.Lock()
			defer mu.Unlock()
			tables[table] += len(rows)
		},
	})

	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)
	require.NoError(t, c.InsertAsync("events", events(2)...))
	_, err = c.Register("events", eventColumns)
	require.NoError(t, err)
	require.NoError(t, c.InsertAsync("events", events(3)...))
	require.NoError(t, c.Flush(testutil.TestContext(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"events": 5}, tables)
}

func TestClient_Returning(t *testing.T) {
	c := newClient(t, &testutil.RecordingSink{}, Options{})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)
	_, err = c.Register("audit", auditColumns)
	require.NoError(t, err)

	row, err := c.Returning("events", insert.Row{"id": uint64(7), "kind": "view"})
	require.NoError(t, err)
	assert.Equal(t, "anonymous", row["user"])

	_, err = c.Returning("audit", insert.Row{"action": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generateUUIDv4()")
}

func TestClient_Close(t *testing.T) {
	s := &testutil.RecordingSink{}
	c := newClient(t, s, Options{Workers: WorkerOptions{Enabled: true, Size: 2}})
	_, err := c.Register("events", eventColumns)
	require.NoError(t, err)

	require.NoError(t, c.InsertAsync("events", events(5)...))
	require.NoError(t, c.Close(testutil.TestContext(t)))
	assert.Len(t, s.Batches(), 1, "close flushes pending rows")

	assert.ErrorIs(t, c.InsertAsync("events", events(1)...), ErrClientClosed)
	_, err = c.Insert("events", events(1)...).Execute(testutil.TestContext(t))
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = c.Register("other", eventColumns)
	assert.ErrorIs(t, err, ErrClientClosed)

	require.NoError(t, c.Close(testutil.TestContext(t)))
}

func TestClient_RegisterSchema(t *testing.T) {
	c := newClient(t, &testutil.RecordingSink{}, Options{})
	schema := &insert.TableSchema{
		Table:    "events",
		Database: "analytics",
		Format:   "compact",
		Columns:  eventColumns,
	}
	plan, err := c.RegisterSchema(schema)
	require.NoError(t, err)
	assert.Equal(t, []codec.Column{
		{Name: "id", Type: "UInt64"},
		{Name: "kind", Type: "Enum8('click' = 1, 'view' = 2)"},
		{Name: "user", Type: "String"},
		{Name: "score", Type: "Float64", Nullable: true},
	}, plan.WireColumns())

	f, err := c.Format("analytics.events")
	require.NoError(t, err)
	assert.Equal(t, insert.FormatJSONCompactEachRow, f)
}
