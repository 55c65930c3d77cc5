// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nodewatch.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
database:
  path: /var/lib/nodewatch/nodewatch.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":8080")
	}
	if cfg.Database.PoolSize != 4 {
		t.Errorf("Database.PoolSize = %d, want 4", cfg.Database.PoolSize)
	}
	if cfg.Ingest.MaxMessageBytes != 1<<20 {
		t.Errorf("Ingest.MaxMessageBytes = %d, want %d", cfg.Ingest.MaxMessageBytes, 1<<20)
	}
	if cfg.Ingest.WriteTimeout.Std() != 10*time.Second {
		t.Errorf("Ingest.WriteTimeout = %v, want 10s", cfg.Ingest.WriteTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfigFile(t, `
listen: "127.0.0.1:9000"
database:
  path: /tmp/test.db
  pool_size: 2
ingest:
  max_message_bytes: 65536
  write_timeout: 3s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Database.PoolSize != 2 {
		t.Errorf("Database.PoolSize = %d, want 2", cfg.Database.PoolSize)
	}
	if cfg.Ingest.MaxMessageBytes != 65536 {
		t.Errorf("Ingest.MaxMessageBytes = %d, want 65536", cfg.Ingest.MaxMessageBytes)
	}
	if cfg.Ingest.WriteTimeout.Std() != 3*time.Second {
		t.Errorf("Ingest.WriteTimeout = %v, want 3s", cfg.Ingest.WriteTimeout)
	}
}

func TestLoadRejectsMissingDatabasePath(t *testing.T) {
	path := writeConfigFile(t, `listen: ":8080"`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load without database.path succeeded, want error")
	}
}

func TestLoadRequiresAPath(t *testing.T) {
	t.Setenv("NODEWATCH_CONFIG", "")

	if _, err := Load(""); err == nil {
		t.Fatal("Load with no path and no NODEWATCH_CONFIG succeeded, want error")
	}
}

func TestLoadUsesEnvironmentVariable(t *testing.T) {
	path := writeConfigFile(t, `
database:
  path: /tmp/env.db
`)
	t.Setenv("NODEWATCH_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load via NODEWATCH_CONFIG: %v", err)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/env.db")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"negative pool size", func(c *Config) { c.Database.PoolSize = -1 }},
		{"zero max message bytes", func(c *Config) { c.Ingest.MaxMessageBytes = 0 }},
		{"zero write timeout", func(c *Config) { c.Ingest.WriteTimeout = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.Path = "/tmp/x.db"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
