// Package config loads and validates qmeasure configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Export  ExportConfig  `yaml:"export"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	// Backend selects the implementation: "duckdb" or "memory".
	Backend string `yaml:"backend"`
	// Path is the DuckDB database file. Empty means in-memory.
	Path string `yaml:"path"`
	// TableNameTemplate formats result table names from the measurement
	// name, experiment id and run id, in that order.
	TableNameTemplate string `yaml:"table_name_template"`
}

// BufferConfig configures the write buffer.
type BufferConfig struct {
	// WritePeriod is the default interval between background flushes.
	WritePeriod time.Duration `yaml:"write_period"`
}

// ExportConfig configures parquet export.
type ExportConfig struct {
	// Compression is the parquet page compression: "zstd", "snappy" or "none".
	Compression string `yaml:"compression"`
	// Dir is the directory exported files are written to.
	Dir string `yaml:"dir"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:           "duckdb",
			Path:              "qmeasure.db",
			TableNameTemplate: "%s-%d-%d",
		},
		Buffer: BufferConfig{
			WritePeriod: 5 * time.Second,
		},
		Export: ExportConfig{
			Compression: "zstd",
			Dir:         ".",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applying defaults for missing fields.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "duckdb", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.TableNameTemplate == "" {
		return fmt.Errorf("storage.table_name_template must not be empty")
	}
	if c.Buffer.WritePeriod < time.Millisecond {
		return fmt.Errorf("buffer.write_period %s is below the 1ms minimum", c.Buffer.WritePeriod)
	}
	switch c.Export.Compression {
	case "zstd", "snappy", "none":
	default:
		return fmt.Errorf("unknown export compression %q", c.Export.Compression)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
