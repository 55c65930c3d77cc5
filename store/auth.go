// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nodewatch/nodewatch/lib/session"
)

// ErrBadCredentials is returned by Authenticate for an unknown access
// key and for a wrong secret alike. Callers must not be able to tell
// the two apart.
var ErrBadCredentials = fmt.Errorf("store: bad credentials")

// dummySalt keeps the unknown-key path doing the same hash work as
// the known-key path, so the two rejections are not distinguishable
// by timing.
const dummySalt = "00000000000000000000000000000000"

// Authenticate verifies an access key and secret against the node
// registry and, on success, opens a session row and returns the open
// Session. Both failure modes (unknown key, wrong secret) return
// ErrBadCredentials.
func (s *Store) Authenticate(ctx context.Context, accessKey, secret string) (*session.Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: authenticate: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		nodeID       int64
		hashedSecret string
		salt         string
		found        bool
	)
	err = sqlitex.Execute(conn,
		`SELECT id, hashed_secret, salt FROM nodes WHERE access_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{accessKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nodeID = stmt.ColumnInt64(0)
				hashedSecret = stmt.ColumnText(1)
				salt = stmt.ColumnText(2)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: authenticate: %w", err)
	}

	if !found {
		// Burn the same hash comparison as the found path.
		computed := hashCredentials(accessKey, secret, dummySalt)
		subtle.ConstantTimeCompare([]byte(computed), []byte(computed))
		return nil, ErrBadCredentials
	}

	computed := hashCredentials(accessKey, secret, salt)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(hashedSecret)) != 1 {
		return nil, ErrBadCredentials
	}

	openedAt := s.clock.Now()
	sessionID := uuid.NewString()

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, node_id, access_key, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, nodeID, accessKey, openedAt.UnixNano()},
		})
	if err != nil {
		return nil, fmt.Errorf("store: open session: %w", err)
	}

	return &session.Session{
		ID:        sessionID,
		NodeID:    nodeID,
		AccessKey: accessKey,
		OpenedAt:  openedAt,
	}, nil
}
