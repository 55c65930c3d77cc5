// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodewatch/nodewatch/lib/clock"
	"github.com/nodewatch/nodewatch/lib/schema/run"
	"github.com/nodewatch/nodewatch/lib/session"
)

type fakeAuth struct {
	mu      sync.Mutex
	secrets map[string]string
	nodeIDs map[string]int64
	opened  int
}

func (a *fakeAuth) Authenticate(ctx context.Context, accessKey, secret string) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.secrets[accessKey] != secret {
		return nil, errors.New("bad credentials")
	}
	a.opened++
	return &session.Session{
		ID:        fmt.Sprintf("sess-%d", a.opened),
		NodeID:    a.nodeIDs[accessKey],
		AccessKey: accessKey,
	}, nil
}

type fakeSessions struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeSessions) CloseSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeSessions) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fakeRuns struct {
	mu    sync.Mutex
	saved []*run.JobRun
	err   error
}

func (f *fakeRuns) SaveRunTree(ctx context.Context, jobRun *run.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, jobRun)
	return nil
}

func (f *fakeRuns) savedRuns() []*run.JobRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*run.JobRun(nil), f.saved...)
}

func (f *fakeRuns) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testHarness struct {
	server   *Server
	http     *httptest.Server
	auth     *fakeAuth
	sessions *fakeSessions
	runs     *fakeRuns
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	auth := &fakeAuth{
		secrets: map[string]string{"key-one": "secret-one"},
		nodeIDs: map[string]int64{"key-one": 42},
	}
	sessions := &fakeSessions{}
	runs := &fakeRuns{}
	server, err := NewServer(ServerConfig{
		Auth:     auth,
		Sessions: sessions,
		Runs:     runs,
		Clock:    clock.Real(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", server.HandleIngest)
	mux.HandleFunc("/status", server.HandleStatus)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testHarness{server: server, http: ts, auth: auth, sessions: sessions, runs: runs}
}

func (h *testHarness) ingestURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ingest"
}

func (h *testHarness) dial(t *testing.T, accessKey, secret string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(HeaderAccessKey, accessKey)
	header.Set(HeaderSecret, secret)
	ws, resp, err := websocket.DefaultDialer.Dial(h.ingestURL(), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readStatus(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal result %q: %v", data, err)
	}
	return res.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeRejectsMissingCredentials(t *testing.T) {
	h := newTestHarness(t)

	for _, header := range []http.Header{
		{},
		{HeaderAccessKey: []string{"key-one"}},
		{HeaderSecret: []string{"secret-one"}},
	} {
		_, resp, err := websocket.DefaultDialer.Dial(h.ingestURL(), header)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("dial error = %v, want bad handshake", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
		resp.Body.Close()
	}
	if got := h.auth.opened; got != 0 {
		t.Errorf("sessions opened = %d, want 0", got)
	}
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	h := newTestHarness(t)

	header := http.Header{}
	header.Set(HeaderAccessKey, "key-one")
	header.Set(HeaderSecret, "wrong")
	_, resp, err := websocket.DefaultDialer.Dial(h.ingestURL(), header)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("dial error = %v, want bad handshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	resp.Body.Close()
	if got := h.server.ActiveConnections(); got != 0 {
		t.Errorf("active connections = %d, want 0", got)
	}
}

func TestIngestRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t, "key-one", "secret-one")
	waitFor(t, "connection registration", func() bool { return h.server.ActiveConnections() == 1 })

	payload := `{"id":"run-7","status":"completed","children":[{"type":"httpget","status":"completed","output":{"value":"10"}}]}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readStatus(t, ws); got != StatusAccepted {
		t.Fatalf("status = %d, want %d", got, StatusAccepted)
	}

	saved := h.runs.savedRuns()
	if len(saved) != 1 {
		t.Fatalf("saved runs = %d, want 1", len(saved))
	}
	if saved[0].RunID != "run-7" {
		t.Errorf("run id = %q, want %q", saved[0].RunID, "run-7")
	}
	if saved[0].NodeID != 42 {
		t.Errorf("node id = %d, want 42", saved[0].NodeID)
	}
	if len(saved[0].Tasks) != 1 || saved[0].Tasks[0].Type != "httpget" {
		t.Errorf("tasks = %+v, want one httpget task", saved[0].Tasks)
	}
}

func TestMalformedPayloadRejectedWithoutClosing(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t, "key-one", "secret-one")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readStatus(t, ws); got != StatusMalformed {
		t.Fatalf("status = %d, want %d", got, StatusMalformed)
	}
	if got := len(h.runs.savedRuns()); got != 0 {
		t.Fatalf("saved runs = %d, want 0", got)
	}

	// The connection survives and keeps accepting runs.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"run-8","status":"errored"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readStatus(t, ws); got != StatusAccepted {
		t.Fatalf("status = %d, want %d", got, StatusAccepted)
	}
}

func TestStoreFailureReportedWithoutClosing(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t, "key-one", "secret-one")

	h.runs.setErr(errors.New("disk full"))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"run-9","status":"completed"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readStatus(t, ws); got != StatusStoreFailure {
		t.Fatalf("status = %d, want %d", got, StatusStoreFailure)
	}

	h.runs.setErr(nil)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"run-9","status":"completed"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readStatus(t, ws); got != StatusAccepted {
		t.Fatalf("status = %d, want %d", got, StatusAccepted)
	}
	if got := len(h.runs.savedRuns()); got != 1 {
		t.Fatalf("saved runs = %d, want 1", got)
	}
}

func TestDuplicateConnectionEvictsIncumbent(t *testing.T) {
	h := newTestHarness(t)
	first := h.dial(t, "key-one", "secret-one")
	waitFor(t, "first registration", func() bool { return h.server.ActiveConnections() == 1 })

	second := h.dial(t, "key-one", "secret-one")

	// The incumbent is told to go away with a normal closure.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("first read error = %v, want close error", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}
	if closeErr.Text != "duplicate connection" {
		t.Errorf("close reason = %q, want %q", closeErr.Text, "duplicate connection")
	}

	// The first session is closed during the takeover.
	waitFor(t, "first session close", func() bool {
		for _, id := range h.sessions.closedIDs() {
			if id == "sess-1" {
				return true
			}
		}
		return false
	})
	if got := h.server.ActiveConnections(); got != 1 {
		t.Errorf("active connections = %d, want 1", got)
	}

	// The newcomer owns the key and its runs are attributed normally.
	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"id":"run-10","status":"in_progress"}`)); err != nil {
		t.Fatalf("write on second: %v", err)
	}
	if got := readStatus(t, second); got != StatusAccepted {
		t.Fatalf("status = %d, want %d", got, StatusAccepted)
	}
	saved := h.runs.savedRuns()
	if len(saved) != 1 || saved[0].NodeID != 42 {
		t.Fatalf("saved = %+v, want one run for node 42", saved)
	}
}

func TestDisconnectClearsRegistry(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t, "key-one", "secret-one")
	waitFor(t, "registration", func() bool { return h.server.ActiveConnections() == 1 })

	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	ws.Close()

	waitFor(t, "teardown", func() bool { return h.server.ActiveConnections() == 0 })
	waitFor(t, "session close", func() bool { return len(h.sessions.closedIDs()) == 1 })
	if got := h.sessions.closedIDs()[0]; got != "sess-1" {
		t.Errorf("closed session = %q, want %q", got, "sess-1")
	}

	// The key is free again.
	h.dial(t, "key-one", "secret-one")
	waitFor(t, "re-registration", func() bool { return h.server.ActiveConnections() == 1 })
}

func TestStatusEndpoint(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t, "key-one", "secret-one")
	waitFor(t, "registration", func() bool { return h.server.ActiveConnections() == 1 })

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"run-11","status":"completed"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readStatus(t, ws); got != StatusAccepted {
		t.Fatalf("status = %d, want %d", got, StatusAccepted)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readStatus(t, ws); got != StatusMalformed {
		t.Fatalf("status = %d, want %d", got, StatusMalformed)
	}

	resp, err := http.Get(h.http.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ConnectedNodes != 1 {
		t.Errorf("connected_nodes = %d, want 1", status.ConnectedNodes)
	}
	if status.RunsAccepted != 1 {
		t.Errorf("runs_accepted = %d, want 1", status.RunsAccepted)
	}
	if status.RunsRejected != 1 {
		t.Errorf("runs_rejected = %d, want 1", status.RunsRejected)
	}
	if status.UptimeSeconds < 0 {
		t.Errorf("uptime_seconds = %f, want >= 0", status.UptimeSeconds)
	}
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	base := ServerConfig{
		Auth:     &fakeAuth{},
		Sessions: &fakeSessions{},
		Runs:     &fakeRuns{},
		Clock:    clock.Real(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for name, strip := range map[string]func(*ServerConfig){
		"auth":     func(c *ServerConfig) { c.Auth = nil },
		"sessions": func(c *ServerConfig) { c.Sessions = nil },
		"runs":     func(c *ServerConfig) { c.Runs = nil },
		"clock":    func(c *ServerConfig) { c.Clock = nil },
		"logger":   func(c *ServerConfig) { c.Logger = nil },
	} {
		cfg := base
		strip(&cfg)
		if _, err := NewServer(cfg); err == nil {
			t.Errorf("NewServer without %s succeeded, want error", name)
		}
	}
}
