package config_test

import (
	"fmt"
	"log"
	"time"

	"github.com/ajitpratap0/rowpipe/pkg/config"
)

// ExampleDefault demonstrates the built-in defaults.
func ExampleDefault() {
	cfg := config.Default()

	fmt.Printf("Endpoint: %s\n", cfg.ClickHouse.Endpoint)
	fmt.Printf("Max rows: %d\n", cfg.Batch.MaxRows)
	fmt.Printf("Flush interval: %s\n", cfg.Batch.FlushInterval)

	// Output:
	// Endpoint: http://localhost:8123
	// Max rows: 10000
	// Flush interval: 1s
}

// ExampleConfig_Validate shows how to validate a configuration before using
// it.
func ExampleConfig_Validate() {
	cfg := config.Default()
	cfg.Batch.MaxRows = 500
	cfg.Batch.FlushInterval = 250 * time.Millisecond
	cfg.ClickHouse.Compression = "zstd"

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	fmt.Println("Configuration is valid!")

	cfg.ClickHouse.Compression = "brotli"
	fmt.Println(cfg.Validate())

	// Output:
	// Configuration is valid!
	// config: clickhouse.compression "brotli" is not supported
}

// ExampleConfig_workers shows a configuration for encoding large batches on
// a worker pool.
func ExampleConfig_workers() {
	cfg := config.Default()
	cfg.Workers.Enabled = true
	cfg.Workers.Size = 4
	cfg.Workers.MaxQueueDepth = 64

	fmt.Printf("Workers: %d\n", cfg.Workers.Size)
	fmt.Printf("Queue depth: %d\n", cfg.Workers.MaxQueueDepth)
	fmt.Printf("Valid: %v\n", cfg.Validate() == nil)

	// Output:
	// Workers: 4
	// Queue depth: 64
	// Valid: true
}
