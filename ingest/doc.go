// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest implements the real-time ingestion endpoint: node
// agents connect over WebSocket, authenticate with header credentials
// during the handshake, and push job-run trees that are persisted one
// frame at a time.
//
// The package enforces a single live connection per access key. A new
// connection authenticating with a key that is already connected
// evicts the incumbent (close code 1000, "duplicate connection"); the
// newest connection always wins. Per-message failures such as malformed
// payloads and store errors are reported to the peer in a small status
// response and never terminate the connection; only a missing session
// (the eviction race) closes it.
//
// The connection registry and the session cache are owned by the
// Server's supervision path and guarded by a single mutex; message
// handling only reads the cache.
package ingest
