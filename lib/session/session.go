// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package session defines the server-side record of one authenticated
// node connection. Sessions are created by the handshake, cached for
// the lifetime of the connection, and closed when the transport goes
// away.
package session

import "time"

// Session records one authenticated connection's identity and timing.
// At most one open session exists per access key at any instant.
type Session struct {
	// ID is the durable session identifier (UUID).
	ID string

	// NodeID is the authenticated node's identity.
	NodeID int64

	// AccessKey is the public credential half that names this session
	// in the registries.
	AccessKey string

	// OpenedAt is when the handshake succeeded.
	OpenedAt time.Time
}
