// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Node is a registered node client permitted to push job runs. The
// secret is never stored: only the salted v0 hash is kept, and the
// plaintext is returned exactly once from CreateNode.
type Node struct {
	ID        int64
	Name      string
	URL       string
	AccessKey string
	CreatedAt time.Time
}

// ErrNodeNameTaken is returned by CreateNode when the name is already
// registered.
var ErrNodeNameTaken = fmt.Errorf("store: node name already taken")

// ErrNodeNotFound is returned by DeleteNode when no node has the
// given name.
var ErrNodeNotFound = fmt.Errorf("store: node not found")

const (
	accessKeyLength = 16
	secretLength    = 64
	saltLength      = 32
)

// CreateNode registers a new node, generating its access key, secret,
// and salt. Returns the node and the plaintext secret; the secret is
// not recoverable afterwards.
func (s *Store) CreateNode(ctx context.Context, name, url string) (*Node, string, error) {
	if len(name) < 3 {
		return nil, "", fmt.Errorf("store: node name must be at least 3 characters")
	}

	accessKey := randomString(accessKeyLength)
	secret := randomString(secretLength)
	salt := randomString(saltLength)
	createdAt := s.clock.Now()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("store: create node: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO nodes (name, url, access_key, hashed_secret, salt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				name,
				url,
				accessKey,
				hashCredentials(accessKey, secret, salt),
				salt,
				createdAt.UnixNano(),
			},
		})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return nil, "", ErrNodeNameTaken
		}
		return nil, "", fmt.Errorf("store: create node: %w", err)
	}

	node := &Node{
		ID:        conn.LastInsertRowID(),
		Name:      name,
		URL:       url,
		AccessKey: accessKey,
		CreatedAt: createdAt,
	}

	s.logger.Info("node created", "node", node.ID, "name", name)
	return node, secret, nil
}

// ListNodes returns all registered nodes, oldest first.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer s.pool.Put(conn)

	var nodes []Node
	err = sqlitex.Execute(conn,
		`SELECT id, name, url, access_key, created_at FROM nodes ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nodes = append(nodes, Node{
					ID:        stmt.ColumnInt64(0),
					Name:      stmt.ColumnText(1),
					URL:       stmt.ColumnText(2),
					AccessKey: stmt.ColumnText(3),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	return nodes, nil
}

// DeleteNode removes the named node and, via cascading foreign keys,
// its sessions and job runs.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete node: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM nodes WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
	}); err != nil {
		return fmt.Errorf("store: delete node: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNodeNotFound
	}

	s.logger.Info("node deleted", "name", name)
	return nil
}

// hashCredentials computes the v0 credential digest: the hex SHA-256
// of "v0-<accessKey>-<secret>-<salt>". The scheme is fixed by the wire
// compatibility requirement with deployed node agents; the version
// prefix leaves room for a future scheme change.
func hashCredentials(accessKey, secret, salt string) string {
	digest := sha256.Sum256([]byte("v0-" + accessKey + "-" + secret + "-" + salt))
	return hex.EncodeToString(digest[:])
}

// randomString returns a URL-safe random string of exactly n
// characters drawn from the base64 alphabet minus its punctuation.
func randomString(n int) string {
	// Over-generate so that stripping punctuation still leaves n
	// characters.
	buf := make([]byte, n*2)
	if _, err := rand.Read(buf); err != nil {
		panic("store: system entropy source failed: " + err.Error())
	}
	encoded := base64.StdEncoding.EncodeToString(buf)
	encoded = strings.NewReplacer("/", "", "+", "", "=", "").Replace(encoded)
	return encoded[:n]
}
