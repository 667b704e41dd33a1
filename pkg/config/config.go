// Package config provides the rowpipe configuration.
//
// A single Config structure covers the whole process and is organised into
// sections:
//   - ClickHouse: endpoint, credentials, compression and retries of the sink
//   - Insert: the default insert format
//   - Batch: background batching thresholds
//   - Workers: the encoding worker pool
//   - Logging, Metrics, Tracing: observability
//
// Example usage:
//
//	cfg, err := config.Load("rowpipe.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Batch.MaxRows = 5000
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/logger"
)

// EnvPrefix prefixes environment overrides, e.g. ROWPIPE_CLICKHOUSE_ENDPOINT.
const EnvPrefix = "ROWPIPE"

// Config is the process-wide configuration.
type Config struct {
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse" json:"clickhouse"`
	Insert     InsertConfig     `mapstructure:"insert" yaml:"insert" json:"insert"`
	Batch      BatchConfig      `mapstructure:"batch" yaml:"batch" json:"batch"`
	Workers    WorkersConfig    `mapstructure:"workers" yaml:"workers" json:"workers"`
	Logging    logger.Config    `mapstructure:"logging" yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// ClickHouseConfig configures the HTTP sink.
type ClickHouseConfig struct {
	// Endpoint is the HTTP interface URL, e.g. http://localhost:8123
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Database string `mapstructure:"database" yaml:"database" json:"database"`
	User     string `mapstructure:"user" yaml:"user" json:"user"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	// Timeout bounds a single HTTP request, retries excluded
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	// Compression is one of none, gzip, deflate, zstd, snappy, lz4
	Compression      string `mapstructure:"compression" yaml:"compression" json:"compression"`
	CompressionLevel int    `mapstructure:"compression_level" yaml:"compression_level" json:"compression_level"`
	// HTTP2 upgrades the transport with golang.org/x/net/http2
	HTTP2 bool `mapstructure:"http2" yaml:"http2" json:"http2"`
	// Settings are passed as query parameters on every insert
	Settings map[string]string `mapstructure:"settings" yaml:"settings" json:"settings"`

	Retry RetryConfig `mapstructure:"retry" yaml:"retry" json:"retry"`
}

// RetryConfig is the exponential backoff of retryable sink errors.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`
}

// InsertConfig holds insert defaults.
type InsertConfig struct {
	// Format is auto, RowBinary, JSONEachRow or JSONCompactEachRow
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// BatchConfig controls background batching.
type BatchConfig struct {
	MaxRows       int           `mapstructure:"max_rows" yaml:"max_rows" json:"max_rows"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" json:"flush_interval"`
}

// WorkersConfig controls the encoding worker pool.
type WorkersConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	// Size is the number of workers; 0 means available CPUs minus one
	Size int `mapstructure:"size" yaml:"size" json:"size"`
	// MaxQueueDepth bounds queued tasks; 0 means unbounded
	MaxQueueDepth int `mapstructure:"max_queue_depth" yaml:"max_queue_depth" json:"max_queue_depth"`
	// MinRows is the smallest batch worth handing to the pool
	MinRows int `mapstructure:"min_rows" yaml:"min_rows" json:"min_rows"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen" json:"listen"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		ClickHouse: ClickHouseConfig{
			Endpoint:         "http://localhost:8123",
			Database:         "default",
			User:             "default",
			Timeout:          30 * time.Second,
			Compression:      "none",
			CompressionLevel: 0,
			Settings:         map[string]string{},
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
			},
		},
		Insert: InsertConfig{Format: "auto"},
		Batch: BatchConfig{
			MaxRows:       10000,
			FlushInterval: time.Second,
		},
		Workers: WorkersConfig{
			MinRows: 1000,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Listen: ":9363",
			Path:   "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "rowpipe",
			SampleRate:  1.0,
		},
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.ClickHouse.Endpoint == "" {
		return errors.New(errors.ErrorTypeConfig, "clickhouse.endpoint is required")
	}
	if c.ClickHouse.Timeout < 0 {
		return errors.New(errors.ErrorTypeConfig, "clickhouse.timeout cannot be negative")
	}
	switch strings.ToLower(c.ClickHouse.Compression) {
	case "", "none", "gzip", "deflate", "zstd", "snappy", "lz4":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "clickhouse.compression %q is not supported", c.ClickHouse.Compression)
	}
	if c.ClickHouse.Retry.MaxAttempts < 0 {
		return errors.New(errors.ErrorTypeConfig, "clickhouse.retry.max_attempts cannot be negative")
	}
	if c.ClickHouse.Retry.Multiplier != 0 && c.ClickHouse.Retry.Multiplier < 1 {
		return errors.New(errors.ErrorTypeConfig, "clickhouse.retry.multiplier must be at least 1")
	}
	if c.Batch.MaxRows <= 0 {
		return errors.New(errors.ErrorTypeConfig, "batch.max_rows must be positive")
	}
	if c.Batch.FlushInterval <= 0 {
		return errors.New(errors.ErrorTypeConfig, "batch.flush_interval must be positive")
	}
	if c.Workers.Size < 0 {
		return errors.New(errors.ErrorTypeConfig, "workers.size cannot be negative")
	}
	if c.Workers.MaxQueueDepth < 0 {
		return errors.New(errors.ErrorTypeConfig, "workers.max_queue_depth cannot be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.New(errors.ErrorTypeConfig, "tracing.sample_rate must be within [0, 1]")
	}
	return nil
}

// Load reads the configuration from path, applies ROWPIPE_* environment
// overrides and validates the result. An empty path loads defaults plus
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("clickhouse.endpoint", d.ClickHouse.Endpoint)
	v.SetDefault("clickhouse.database", d.ClickHouse.Database)
	v.SetDefault("clickhouse.user", d.ClickHouse.User)
	v.SetDefault("clickhouse.password", d.ClickHouse.Password)
	v.SetDefault("clickhouse.timeout", d.ClickHouse.Timeout)
	v.SetDefault("clickhouse.compression", d.ClickHouse.Compression)
	v.SetDefault("clickhouse.compression_level", d.ClickHouse.CompressionLevel)
	v.SetDefault("clickhouse.http2", d.ClickHouse.HTTP2)
	v.SetDefault("clickhouse.settings", d.ClickHouse.Settings)
	v.SetDefault("clickhouse.retry.max_attempts", d.ClickHouse.Retry.MaxAttempts)
	v.SetDefault("clickhouse.retry.initial_delay", d.ClickHouse.Retry.InitialDelay)
	v.SetDefault("clickhouse.retry.max_delay", d.ClickHouse.Retry.MaxDelay)
	v.SetDefault("clickhouse.retry.multiplier", d.ClickHouse.Retry.Multiplier)

	v.SetDefault("insert.format", d.Insert.Format)

	v.SetDefault("batch.max_rows", d.Batch.MaxRows)
	v.SetDefault("batch.flush_interval", d.Batch.FlushInterval)

	v.SetDefault("workers.enabled", d.Workers.Enabled)
	v.SetDefault("workers.size", d.Workers.Size)
	v.SetDefault("workers.max_queue_depth", d.Workers.MaxQueueDepth)
	v.SetDefault("workers.min_rows", d.Workers.MinRows)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.encoding", d.Logging.Encoding)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}
