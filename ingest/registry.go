// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"sync"

	"github.com/nodewatch/nodewatch/lib/session"
)

// registry tracks the live connection and the cached session for each
// access key. One mutex guards both maps and the connection counter so
// that registration, eviction, and teardown observe a consistent view.
type registry struct {
	mu          sync.Mutex
	connections map[string]*nodeConn
	sessions    map[string]*session.Session
}

func newRegistry() *registry {
	return &registry{
		connections: make(map[string]*nodeConn),
		sessions:    make(map[string]*session.Session),
	}
}

// putSession caches the session for its access key, overwriting and
// returning any stale entry left by an earlier connection.
func (r *registry) putSession(sess *session.Session) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	stale := r.sessions[sess.AccessKey]
	r.sessions[sess.AccessKey] = sess
	return stale
}

// dropSession removes the cache entry for the key, but only if it
// still holds sess. Used to back out of a handshake that failed after
// authentication.
func (r *registry) dropSession(sess *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.AccessKey] != sess {
		return false
	}
	delete(r.sessions, sess.AccessKey)
	return true
}

// session returns the cached session for the key, if any.
func (r *registry) session(accessKey string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[accessKey]
	return sess, ok
}

// register installs conn as the live connection for its access key and
// returns the connection it displaced, if any. The caller evicts the
// displaced connection outside the lock.
func (r *registry) register(conn *nodeConn) (evicted *nodeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.connections[conn.accessKey]
	r.connections[conn.accessKey] = conn
	return evicted
}

// unregister removes conn's registry entry, but only if the entry
// still points at conn; an evicted connection finds its key already
// rebound and must leave the newcomer's state alone. The cached
// session is removed and handed back for closing only when it is still
// conn's own session, never a successor's.
func (r *registry) unregister(conn *nodeConn) (sess *session.Session, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[conn.accessKey] == conn {
		delete(r.connections, conn.accessKey)
		removed = true
	}
	if r.sessions[conn.accessKey] == conn.sess {
		sess = conn.sess
		delete(r.sessions, conn.accessKey)
	}
	return sess, removed
}

// active reports the number of live connections.
func (r *registry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}
