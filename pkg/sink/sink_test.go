package sink

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/rowpipe/pkg/compression"
	"github.com/ajitpratap0/rowpipe/pkg/config"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/testutil"
)

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newSink(t *testing.T, endpoint string, algo compression.Algorithm) *HTTPSink {
	t.Helper()
	s, err := NewHTTPSink(&HTTPConfig{
		Endpoint:    endpoint,
		Database:    "analytics",
		User:        "writer",
		Password:    "secret",
		Timeout:     5 * time.Second,
		Compression: algo,
		Settings:    map[string]string{"async_insert": "1"},
		Retry:       fastRetry(3),
	}, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertQuery(t *testing.T) {
	assert.Equal(t, "INSERT INTO db.events (`id`, `na\\`me`) FORMAT RowBinary",
		InsertQuery("db.events", []string{"id", "na`me"}, insert.FormatRowBinary))
	assert.Equal(t, "INSERT INTO t FORMAT JSONEachRow", InsertQuery("t", nil, insert.FormatJSONEachRow))
}

func TestEncodeRows(t *testing.T) {
	body, err := EncodeRows(insert.FormatJSONEachRow, []any{
		map[string]any{"a": 1},
		map[string]any{"a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n", string(body))

	body, err = EncodeRows(insert.FormatJSONCompactEachRow, []any{[]any{1, "x"}})
	require.NoError(t, err)
	assert.Equal(t, "[1,\"x\"]\n", string(body))

	_, err = EncodeRows(insert.FormatRowBinary, nil)
	require.Error(t, err)
}

func TestHTTPSink_SendBinary(t *testing.T) {
	for _, algo := range []compression.Algorithm{compression.None, compression.Gzip, compression.Zstd, compression.LZ4} {
		t.Run(string(algo), func(t *testing.T) {
			fake := testutil.NewFakeClickHouse(t)
			s := newSink(t, fake.URL, algo)

			body := bytes.Repeat([]byte{1, 2, 3, 4}, 100)
			require.NoError(t, s.SendBinary(testutil.TestContext(t), "events", []string{"a", "b"}, body))

			reqs := fake.Requests()
			require.Len(t, reqs, 1)
			req := reqs[0]
			assert.Equal(t, body, req.Body)
			assert.Equal(t, "INSERT INTO events (`a`, `b`) FORMAT RowBinary", req.Query.Get("query"))
			assert.Equal(t, "analytics", req.Query.Get("database"))
			assert.Equal(t, "1", req.Query.Get("async_insert"))
			assert.Equal(t, "writer", req.Header.Get("X-ClickHouse-User"))
			assert.Equal(t, "secret", req.Header.Get("X-ClickHouse-Key"))

			if algo == compression.None {
				assert.Empty(t, req.ContentEncoding)
				assert.Empty(t, req.Query.Get("enable_http_compression"))
			} else {
				assert.Equal(t, string(algo), req.ContentEncoding)
				assert.Equal(t, "1", req.Query.Get("enable_http_compression"))
			}
		})
	}
}

func TestHTTPSink_SendRows(t *testing.T) {
	fake := testutil.NewFakeClickHouse(t)
	s := newSink(t, fake.URL, compression.None)

	rows := []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}}
	require.NoError(t, s.SendRows(context.Background(), "events", []string{"name"}, insert.FormatJSONEachRow, rows))

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "{\"name\":\"a\"}\n{\"name\":\"b\"}\n", string(reqs[0].Body))
	assert.True(t, strings.HasSuffix(reqs[0].Query.Get("query"), "FORMAT JSONEachRow"))
}

func TestHTTPSink_RetriesTransientFailures(t *testing.T) {
	fake := testutil.NewFakeClickHouse(t)
	fake.Respond = func(n int, _ testutil.Request) (int, string) {
		if n < 2 {
			return http.StatusServiceUnavailable, "overloaded"
		}
		return http.StatusOK, ""
	}
	s := newSink(t, fake.URL, compression.None)

	require.NoError(t, s.SendBinary(context.Background(), "events", []string{"a"}, []byte{1}))
	assert.Len(t, fake.Requests(), 3)
}

func TestHTTPSink_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		attempts int
		wantType errors.ErrorType
	}{
		{"query error is not retried", http.StatusBadRequest, 1, errors.ErrorTypeQuery},
		{"server exception is not retried", http.StatusInternalServerError, 1, errors.ErrorTypeQuery},
		{"throttling is retried", http.StatusTooManyRequests, 3, errors.ErrorTypeRateLimit},
		{"gateway errors are retried", http.StatusBadGateway, 3, errors.ErrorTypeConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeClickHouse(t)
			fake.Respond = func(int, testutil.Request) (int, string) {
				return tt.status, "Code: 27. DB::Exception: Cannot parse input"
			}
			s := newSink(t, fake.URL, compression.None)

			err := s.SendBinary(context.Background(), "events", []string{"a"}, []byte{1})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
			assert.Contains(t, err.Error(), "Cannot parse input")
			assert.Len(t, fake.Requests(), tt.attempts)

			var e *errors.Error
			require.True(t, errors.As(err, &e))
			table, _ := e.Detail("table")
			assert.Equal(t, "events", table)
		})
	}
}

func TestHTTPSink_ExceptionCode(t *testing.T) {
	fake := testutil.NewFakeClickHouse(t)
	fake.Respond = func(int, testutil.Request) (int, string) { return http.StatusBadRequest, "bad" }
	s := newSink(t, fake.URL, compression.None)

	err := s.SendBinary(context.Background(), "events", nil, []byte{1})
	require.Error(t, err)
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	code, ok := e.Detail("exception_code")
	require.True(t, ok)
	assert.Equal(t, 27, code)
	status, _ := e.Detail("status")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHTTPSink_ConnectionRefused(t *testing.T) {
	fake := testutil.NewFakeClickHouse(t)
	endpoint := fake.URL
	fake.Close()

	s := newSink(t, endpoint, compression.None)
	err := s.SendBinary(context.Background(), "events", nil, []byte{1})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestHTTPSink_Ping(t *testing.T) {
	fake := testutil.NewFakeClickHouse(t)
	s := newSink(t, fake.URL, compression.None)
	require.NoError(t, s.Ping(context.Background()))
	assert.Empty(t, fake.Requests())
}

func TestNewHTTPSinkErrors(t *testing.T) {
	_, err := NewHTTPSink(nil, nil)
	require.Error(t, err)
	_, err = NewHTTPSink(&HTTPConfig{Endpoint: "not a url"}, nil)
	require.Error(t, err)
	_, err = NewHTTPSink(&HTTPConfig{Endpoint: "http://x", Compression: "brotli"}, nil)
	require.Error(t, err)
}

func TestHTTPConfigFrom(t *testing.T) {
	c := config.Default().ClickHouse
	c.Compression = "ZSTD"
	c.Retry.MaxAttempts = 7

	cfg, err := HTTPConfigFrom(c)
	require.NoError(t, err)
	assert.Equal(t, compression.Zstd, cfg.Compression)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, c.Endpoint, cfg.Endpoint)

	c.Compression = "brotli"
	_, err = HTTPConfigFrom(c)
	require.Error(t, err)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	require.NoError(t, s.SendBinary(context.Background(), "t", nil, []byte{1, 2}))
	require.NoError(t, s.SendRows(context.Background(), "t", nil, insert.FormatJSONCompactEachRow, []any{[]any{1}}))

	assert.Equal(t, append([]byte{1, 2}, "[1]\n"...), buf.Bytes())
	batches, n := s.Stats()
	assert.Equal(t, int64(2), batches)
	assert.Equal(t, int64(6), n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.SendBinary(ctx, "t", nil, []byte{1}))
}
