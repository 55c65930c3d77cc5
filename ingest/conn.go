// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodewatch/nodewatch/lib/session"
)

// result is the per-message acknowledgement written back to the node.
type result struct {
	Status int `json:"status"`
}

// nodeConn wraps a WebSocket connection to a node agent. Reads are
// owned by the supervising goroutine; writes are serialized by mu so
// that an eviction close frame cannot interleave with a result frame.
type nodeConn struct {
	ws        *websocket.Conn
	accessKey string
	sess      *session.Session

	mu sync.Mutex
}

// writeResult sends the acknowledgement for one message.
func (c *nodeConn) writeResult(status int, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ingest: set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(result{Status: status}); err != nil {
		return fmt.Errorf("ingest: write result: %w", err)
	}
	return nil
}

// close sends a close frame with the given code and reason, then tears
// down the transport. Closing the transport is what unblocks the
// supervising read loop.
func (c *nodeConn) close(code int, reason string, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := websocket.FormatCloseMessage(code, reason)
	// Best effort: the peer may already be gone.
	_ = c.ws.WriteControl(websocket.CloseMessage, frame, deadline)
	_ = c.ws.Close()
}
