// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Nodewatch binaries.
//
// Configuration is loaded from a single YAML file specified by the
// NODEWATCH_CONFIG environment variable or a --config flag. There are
// no fallbacks or automatic discovery: deterministic configuration
// with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for the ingestion server.
type Config struct {
	// Listen is the TCP address the ingestion server binds,
	// host:port. Default: ":8080".
	Listen string `yaml:"listen"`

	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Ingest configures transport limits on node connections.
	Ingest IngestConfig `yaml:"ingest"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist. Required.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Default: 4.
	PoolSize int `yaml:"pool_size"`
}

// IngestConfig configures transport limits on node connections.
type IngestConfig struct {
	// MaxMessageBytes caps a single inbound frame. Default: 1 MiB.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// WriteTimeout bounds each outbound response write. Default: 10s.
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration defaults applied before the file
// is loaded. The database path has no default: the file must set it.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			PoolSize: 4,
		},
		Ingest: IngestConfig{
			MaxMessageBytes: 1 << 20,
			WriteTimeout:    Duration(10 * time.Second),
		},
	}
}

// Load reads the config file at path. When path is empty, the
// NODEWATCH_CONFIG environment variable names the file; an empty
// variable is an error; there is no discovery.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("NODEWATCH_CONFIG")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file: set NODEWATCH_CONFIG or pass --config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for missing or nonsensical values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.PoolSize < 0 {
		return fmt.Errorf("database.pool_size must not be negative")
	}
	if c.Ingest.MaxMessageBytes <= 0 {
		return fmt.Errorf("ingest.max_message_bytes must be positive")
	}
	if c.Ingest.WriteTimeout <= 0 {
		return fmt.Errorf("ingest.write_timeout must be positive")
	}
	return nil
}
