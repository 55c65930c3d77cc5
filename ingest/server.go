// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodewatch/nodewatch/lib/clock"
	"github.com/nodewatch/nodewatch/lib/schema/run"
	"github.com/nodewatch/nodewatch/lib/session"
)

// Handshake credential headers.
const (
	HeaderAccessKey = "X-Nodewatch-Access-Key"
	HeaderSecret    = "X-Nodewatch-Secret"
)

// Close reasons. Code 1000 marks an orderly eviction; code 1008 marks
// a connection whose session disappeared underneath it.
const (
	reasonDuplicate = "duplicate connection"
	reasonNoSession = "no active session"
)

// Authenticator verifies handshake credentials and opens a session for
// the connecting node.
type Authenticator interface {
	Authenticate(ctx context.Context, accessKey, secret string) (*session.Session, error)
}

// SessionCloser marks a session finished once its connection is gone.
type SessionCloser interface {
	CloseSession(ctx context.Context, sessionID string) error
}

// RunStore persists one attributed job-run tree per call.
type RunStore interface {
	SaveRunTree(ctx context.Context, jobRun *run.JobRun) error
}

// ServerConfig carries the collaborators and limits for a Server.
type ServerConfig struct {
	Auth     Authenticator
	Sessions SessionCloser
	Runs     RunStore
	Clock    clock.Clock
	Logger   *slog.Logger

	// MaxMessageBytes caps inbound frame size. Zero means 1 MiB.
	MaxMessageBytes int64
	// WriteTimeout bounds each outbound write. Zero means 10s.
	WriteTimeout time.Duration
}

// Server accepts node agent connections, supervises their message
// loops, and exposes operational counters.
type Server struct {
	auth     Authenticator
	sessions SessionCloser
	runs     RunStore
	clock    clock.Clock
	logger   *slog.Logger

	upgrader websocket.Upgrader
	registry *registry

	maxMessageBytes int64
	writeTimeout    time.Duration
	startedAt       time.Time

	runsAccepted atomic.Uint64
	runsRejected atomic.Uint64
}

// NewServer validates cfg and returns a Server ready to serve.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("ingest: config missing authenticator")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("ingest: config missing session closer")
	}
	if cfg.Runs == nil {
		return nil, errors.New("ingest: config missing run store")
	}
	if cfg.Clock == nil {
		return nil, errors.New("ingest: config missing clock")
	}
	if cfg.Logger == nil {
		return nil, errors.New("ingest: config missing logger")
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		auth:            cfg.Auth,
		sessions:        cfg.Sessions,
		runs:            cfg.Runs,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		registry:        newRegistry(),
		maxMessageBytes: cfg.MaxMessageBytes,
		writeTimeout:    cfg.WriteTimeout,
		startedAt:       cfg.Clock.Now(),
	}, nil
}

// ActiveConnections reports how many node connections are live.
func (s *Server) ActiveConnections() int {
	return s.registry.active()
}

// HandleIngest authenticates the handshake, upgrades to WebSocket, and
// runs the connection's message loop until the peer disconnects or is
// evicted. Credential failures are rejected before the upgrade.
func (s *Server) HandleIngest(w http.ResponseWriter, r *http.Request) {
	accessKey := r.Header.Get(HeaderAccessKey)
	secret := r.Header.Get(HeaderSecret)
	if accessKey == "" || secret == "" {
		http.Error(w, "missing credentials", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sess, err := s.auth.Authenticate(ctx, accessKey, secret)
	if err != nil {
		s.logger.Debug("handshake rejected",
			"remote", r.RemoteAddr,
			"error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Cache the session before the upgrade so the first message finds
	// it. Overwriting evicts a stale entry; its row is closed here
	// because the departing connection can no longer reach it.
	if stale := s.registry.putSession(sess); stale != nil {
		s.closeSessionRow(ctx, stale)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		if s.registry.dropSession(sess) {
			s.closeSessionRow(ctx, sess)
		}
		s.logger.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}

	conn := &nodeConn{ws: ws, accessKey: accessKey, sess: sess}
	if evicted := s.registry.register(conn); evicted != nil {
		s.logger.Info("evicting duplicate connection",
			"node_id", sess.NodeID)
		evicted.close(websocket.CloseNormalClosure, reasonDuplicate,
			s.clock.Now().Add(s.writeTimeout))
	}

	s.logger.Info("node connected",
		"node_id", sess.NodeID,
		"session_id", sess.ID,
		"remote", r.RemoteAddr,
		"active", s.registry.active())

	s.supervise(ctx, conn)
}

// supervise runs the read loop for one connection: read a frame, look
// up the session, handle the payload, acknowledge. The loop ends when
// the transport errors, which is also how evictions take effect.
func (s *Server) supervise(ctx context.Context, conn *nodeConn) {
	conn.ws.SetReadLimit(s.maxMessageBytes)
	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", "error", err)
			}
			break
		}

		sess, ok := s.registry.session(conn.accessKey)
		if !ok {
			// A racing connection took over the key. This connection
			// has no identity to attribute runs to anymore.
			s.logger.Warn("message without active session, closing")
			conn.close(websocket.ClosePolicyViolation, reasonNoSession,
				s.clock.Now().Add(s.writeTimeout))
			break
		}

		status := s.handleMessage(ctx, payload, sess)
		if err := conn.writeResult(status, s.clock.Now().Add(s.writeTimeout)); err != nil {
			s.logger.Debug("result write failed", "error", err)
			break
		}
	}
	s.teardown(ctx, conn)
}

// teardown releases the connection's registry state. An evicted
// connection finds its key already rebound and only closes the
// transport; the newcomer's session stays untouched.
func (s *Server) teardown(ctx context.Context, conn *nodeConn) {
	sess, removed := s.registry.unregister(conn)
	if sess != nil {
		s.closeSessionRow(ctx, sess)
	}
	if removed {
		s.logger.Info("node disconnected",
			"node_id", conn.sess.NodeID,
			"session_id", conn.sess.ID,
			"active", s.registry.active())
	}
	_ = conn.ws.Close()
}

// closeSessionRow marks a session finished. Failures are logged and
// swallowed: teardown must complete regardless.
func (s *Server) closeSessionRow(ctx context.Context, sess *session.Session) {
	if err := s.sessions.CloseSession(ctx, sess.ID); err != nil {
		s.logger.Error("session close failed",
			"session_id", sess.ID,
			"error", err)
	}
}
