package sink

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/rowpipe/pkg/compression"
	"github.com/ajitpratap0/rowpipe/pkg/config"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/metrics"
	"github.com/ajitpratap0/rowpipe/pkg/observability"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 16 << 10

// HTTPConfig configures HTTPSink.
type HTTPConfig struct {
	Endpoint    string
	Database    string
	User        string
	Password    string
	Timeout     time.Duration
	Compression compression.Algorithm
	Level       compression.Level
	HTTP2       bool
	Settings    map[string]string
	Retry       *RetryPolicy
}

// HTTPConfigFrom maps the clickhouse configuration section.
func HTTPConfigFrom(c config.ClickHouseConfig) (*HTTPConfig, error) {
	algo, err := compression.ParseAlgorithm(c.Compression)
	if err != nil {
		return nil, err
	}
	return &HTTPConfig{
		Endpoint:    c.Endpoint,
		Database:    c.Database,
		User:        c.User,
		Password:    c.Password,
		Timeout:     c.Timeout,
		Compression: algo,
		Level:       compression.Level(c.CompressionLevel),
		HTTP2:       c.HTTP2,
		Settings:    c.Settings,
		Retry:       RetryPolicyFrom(c.Retry),
	}, nil
}

// HTTPSink inserts over the ClickHouse HTTP interface. Retryable failures
// (connection errors, timeouts, 429 and 502-504 responses) are retried with
// exponential backoff; anything else is returned at once.
type HTTPSink struct {
	config     *HTTPConfig
	endpoint   *url.URL
	client     *http.Client
	transport  *http.Transport
	compressor compression.Compressor
	logger     *zap.Logger
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(cfg *HTTPConfig, logger *zap.Logger) (*HTTPSink, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "clickhouse endpoint is required")
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid clickhouse endpoint %q", cfg.Endpoint)
	}
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: cfg.Compression, Level: cfg.Level})
	if err != nil {
		return nil, err
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http_sink"))

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// bodies are compressed explicitly; responses are not
		DisableCompression: true,
	}
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		} else {
			logger.Debug("HTTP/2 enabled")
		}
	}

	return &HTTPSink{
		config:     cfg,
		endpoint:   endpoint,
		transport:  transport,
		client:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		compressor: comp,
		logger:     logger,
	}, nil
}

// SendRows implements Sink.
func (s *HTTPSink) SendRows(ctx context.Context, table string, columns []string, format insert.Format, rows []any) error {
	body, err := EncodeRows(format, rows)
	if err != nil {
		return err
	}
	return s.send(ctx, table, InsertQuery(table, columns, format), body, len(rows))
}

// SendBinary implements Sink.
func (s *HTTPSink) SendBinary(ctx context.Context, table string, columns []string, body []byte) error {
	return s.send(ctx, table, InsertQuery(table, columns, insert.FormatRowBinary), body, -1)
}

// Ping checks that the server answers on /ping.
func (s *HTTPSink) Ping(ctx context.Context) error {
	u := *s.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "build ping request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp, "")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

func (s *HTTPSink) send(ctx context.Context, table, query string, body []byte, rows int) error {
	payload, err := s.compressor.Compress(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "compress request body")
	}
	target := s.insertURL(query)

	timer := metrics.NewTimer()
	err = s.config.Retry.Execute(ctx,
		func() error { return s.post(ctx, target, payload) },
		errors.IsRetryable,
		func(attempt int, err error) {
			metrics.SinkRetries.WithLabelValues(table).Inc()
			s.logger.Warn("retrying insert",
				zap.String("table", table),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	)
	elapsed := timer.Stop()
	metrics.InsertLatency.WithLabelValues(table, metrics.Status(err)).Observe(elapsed.Seconds())

	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.WithDetail("table", table)
		}
		return err
	}
	s.logger.Debug("insert sent",
		zap.String("table", table),
		zap.Int("rows", rows),
		zap.Int("bytes", len(body)),
		zap.Int("wire_bytes", len(payload)),
		zap.Duration("duration", elapsed))
	return nil
}

func (s *HTTPSink) insertURL(query string) string {
	u := *s.endpoint
	q := u.Query()
	for k, v := range s.config.Settings {
		q.Set(k, v)
	}
	q.Set("query", query)
	if s.config.Database != "" {
		q.Set("database", s.config.Database)
	}
	if s.compressor.ContentEncoding() != "" {
		q.Set("enable_http_compression", "1")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *HTTPSink) post(ctx context.Context, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "build insert request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if enc := s.compressor.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}
	if s.config.User != "" {
		req.Header.Set("X-ClickHouse-User", s.config.User)
	}
	if s.config.Password != "" {
		req.Header.Set("X-ClickHouse-Key", s.config.Password)
	}
	observability.InjectHeaders(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return responseError(resp, req.URL.Query().Get("query"))
}

func transportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return errors.Wrap(err, errors.ErrorTypeTimeout, "clickhouse request timed out")
	case errors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrorTypeShutdown, "clickhouse request cancelled")
	default:
		return errors.Wrap(err, errors.ErrorTypeConnection, "clickhouse request failed")
	}
}

// responseError classifies a non-200 answer. The server's exception text is
// kept as the message.
func responseError(resp *http.Response, query string) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	typ := errors.ErrorTypeQuery
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		typ = errors.ErrorTypeRateLimit
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		typ = errors.ErrorTypeConnection
	}

	err := errors.Newf(typ, "clickhouse returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))).
		WithDetail("status", resp.StatusCode)
	if code := resp.Header.Get("X-ClickHouse-Exception-Code"); code != "" {
		if n, convErr := strconv.Atoi(code); convErr == nil {
			err = err.WithDetail("exception_code", n)
		}
	}
	if query != "" {
		err = err.WithDetail("query", query)
	}
	return err
}
