package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.ClickHouse.Endpoint = "" }},
		{"negative timeout", func(c *Config) { c.ClickHouse.Timeout = -time.Second }},
		{"unknown compression", func(c *Config) { c.ClickHouse.Compression = "brotli" }},
		{"negative retries", func(c *Config) { c.ClickHouse.Retry.MaxAttempts = -1 }},
		{"shrinking backoff", func(c *Config) { c.ClickHouse.Retry.Multiplier = 0.5 }},
		{"zero max rows", func(c *Config) { c.Batch.MaxRows = 0 }},
		{"zero interval", func(c *Config) { c.Batch.FlushInterval = 0 }},
		{"negative workers", func(c *Config) { c.Workers.Size = -2 }},
		{"negative queue depth", func(c *Config) { c.Workers.MaxQueueDepth = -1 }},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "rowpipe.yaml", `
clickhouse:
  endpoint: http://ch:8123
  database: analytics
  compression: zstd
  retry:
    max_attempts: 5
batch:
  max_rows: 500
  flush_interval: 250ms
workers:
  enabled: true
  size: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://ch:8123", cfg.ClickHouse.Endpoint)
	assert.Equal(t, "analytics", cfg.ClickHouse.Database)
	assert.Equal(t, "zstd", cfg.ClickHouse.Compression)
	assert.Equal(t, 5, cfg.ClickHouse.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Batch.MaxRows)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.FlushInterval)
	assert.True(t, cfg.Workers.Enabled)
	assert.Equal(t, 3, cfg.Workers.Size)

	// untouched keys keep their defaults
	assert.Equal(t, "default", cfg.ClickHouse.User)
	assert.Equal(t, 30*time.Second, cfg.ClickHouse.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "rowpipe.yaml", "batch:\n  max_rows: 500\n")
	t.Setenv("ROWPIPE_BATCH_MAX_ROWS", "42")
	t.Setenv("ROWPIPE_CLICKHOUSE_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Batch.MaxRows)
	assert.Equal(t, "s3cret", cfg.ClickHouse.Password)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Batch, cfg.Batch)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	invalid := writeFile(t, "invalid.yaml", "batch:\n  max_rows: -1\n")
	_, err = Load(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.max_rows")
}

func TestLoadYAMLSubstitutesEnv(t *testing.T) {
	t.Setenv("ROWPIPE_TEST_TABLE", "events")
	path := writeFile(t, "schema.yaml", "table: ${ROWPIPE_TEST_TABLE}\nother: ${ROWPIPE_TEST_UNSET}x\n")

	var out struct {
		Table string `yaml:"table"`
		Other string `yaml:"other"`
	}
	require.NoError(t, LoadYAML(path, &out))
	assert.Equal(t, "events", out.Table)
	assert.Equal(t, "x", out.Other)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("A", "1")
	t.Setenv("B", "${A}")

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"${A}", "1"},
		{"x${A}y${A}z", "x1y1z"},
		{"${B}", "${A}"},
		{"open ${A", "open ${A"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, substituteEnvVars(tt.in), tt.in)
	}
}

func TestSaveYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	in := Default()
	require.NoError(t, SaveYAML(path, in.Batch))

	var out BatchConfig
	require.NoError(t, LoadYAML(path, &out))
	assert.Equal(t, in.Batch.MaxRows, out.MaxRows)
}
