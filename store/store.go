// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides the SQLite-backed persistence for the
// ingestion server: registered nodes and their credentials, the
// session audit trail, and accepted job-run trees.
//
// A single Store serves all three concerns over one connection pool.
// The job-run write path persists a whole tree in one IMMEDIATE
// transaction: partial trees never become visible to readers.
package store

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nodewatch/nodewatch/lib/clock"
	"github.com/nodewatch/nodewatch/lib/sqlitepool"
)

// schema creates the persistent tables. job_runs deliberately has no
// uniqueness on (run_id, node_id): a node resending a tree after a
// failed persist produces a second row, and downstream consumers are
// expected to tolerate duplicates.
const schema = `
	CREATE TABLE IF NOT EXISTS nodes (
		id            INTEGER PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		url           TEXT,
		access_key    TEXT NOT NULL UNIQUE,
		hashed_secret TEXT NOT NULL,
		salt          TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		node_id     INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		access_key  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_node ON sessions(node_id, created_at);

	CREATE TABLE IF NOT EXISTS job_runs (
		id         INTEGER PRIMARY KEY,
		run_id     TEXT NOT NULL CHECK (run_id <> ''),
		node_id    INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		status     TEXT NOT NULL CHECK (status <> ''),
		error      TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_runs_node ON job_runs(node_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_job_runs_run ON job_runs(run_id);

	CREATE TABLE IF NOT EXISTS task_runs (
		id         INTEGER PRIMARY KEY,
		job_run_id INTEGER NOT NULL REFERENCES job_runs(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,
		type       TEXT,
		status     TEXT NOT NULL CHECK (status <> ''),
		output     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_task_runs_parent ON task_runs(job_run_id, position);
`

// Store is the SQLite persistence layer. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to 4 if zero or
	// negative.
	PoolSize int

	// Clock provides the current time for row timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Open creates the store, creating the database file and schema as
// needed. The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Close closes the underlying connection pool. Blocks until borrowed
// connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}
