package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/rowpipe/pkg/compression"
)

// Request is an insert received by FakeClickHouse, body decompressed.
type Request struct {
	Query           url.Values
	Header          http.Header
	ContentEncoding string
	Body            []byte
}

// FakeClickHouse is an httptest server that answers like the ClickHouse
// HTTP interface. Respond, when set, picks the status and body of each
// insert; the default is 200 OK.
type FakeClickHouse struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request
	Respond  func(n int, r Request) (int, string)
}

// NewFakeClickHouse starts a fake server and closes it with the test.
func NewFakeClickHouse(t *testing.T) *FakeClickHouse {
	t.Helper()
	f := &FakeClickHouse{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			_, _ = io.WriteString(w, "Ok.\n")
			return
		}

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		req := Request{
			Query:           r.URL.Query(),
			Header:          r.Header.Clone(),
			ContentEncoding: r.Header.Get("Content-Encoding"),
			Body:            raw,
		}
		if req.ContentEncoding != "" {
			algo, err := compression.ParseAlgorithm(req.ContentEncoding)
			require.NoError(t, err)
			comp, err := compression.NewCompressor(&compression.Config{Algorithm: algo})
			require.NoError(t, err)
			req.Body, err = comp.Decompress(raw)
			require.NoError(t, err)
		}

		f.mu.Lock()
		n := len(f.requests)
		f.requests = append(f.requests, req)
		respond := f.Respond
		f.mu.Unlock()

		status, body := http.StatusOK, ""
		if respond != nil {
			status, body = respond(n, req)
		}
		if status != http.StatusOK {
			w.Header().Set("X-ClickHouse-Exception-Code", "27")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(f.Close)
	return f
}

// Requests returns a copy of the received inserts.
func (f *FakeClickHouse) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}
