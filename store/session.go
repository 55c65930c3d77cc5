// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CloseSession marks a session finished. Idempotent: closing an
// already-closed or unknown session is a no-op, because close runs
// from connection-teardown paths that must never fail the cleanup.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET finished_at = ? WHERE id = ? AND finished_at IS NULL`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixNano(), sessionID},
		})
	if err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	return nil
}

// SessionRecord is one row of the session audit trail.
type SessionRecord struct {
	ID         string
	NodeID     int64
	AccessKey  string
	CreatedAt  int64 // Unix nanoseconds.
	FinishedAt int64 // Unix nanoseconds; zero while open.
}

// SessionsForNode returns the session history of a node, newest first.
func (s *Store) SessionsForNode(ctx context.Context, nodeID int64) ([]SessionRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: sessions for node: %w", err)
	}
	defer s.pool.Put(conn)

	var records []SessionRecord
	err = sqlitex.Execute(conn,
		`SELECT id, node_id, access_key, created_at, finished_at
		 FROM sessions WHERE node_id = ? ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{nodeID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record := SessionRecord{
					ID:        stmt.ColumnText(0),
					NodeID:    stmt.ColumnInt64(1),
					AccessKey: stmt.ColumnText(2),
					CreatedAt: stmt.ColumnInt64(3),
				}
				if !stmt.ColumnIsNull(4) {
					record.FinishedAt = stmt.ColumnInt64(4)
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: sessions for node: %w", err)
	}
	return records, nil
}
