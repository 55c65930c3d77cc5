// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"

	"github.com/nodewatch/nodewatch/lib/schema/run"
	"github.com/nodewatch/nodewatch/lib/session"
)

// Per-message statuses returned to the node. Delivery is at least
// once: a node that never sees StatusAccepted is expected to resend,
// and resends are stored again as new rows.
const (
	StatusAccepted     = 201
	StatusMalformed    = 422
	StatusStoreFailure = 500
)

// handleMessage parses one frame into a job-run tree, attributes it to
// the session's node, and persists it. The returned status is the
// acknowledgement for the peer; no outcome here closes the connection.
func (s *Server) handleMessage(ctx context.Context, payload []byte, sess *session.Session) int {
	jobRun, err := run.Parse(payload)
	if err != nil {
		s.runsRejected.Add(1)
		s.logger.Debug("malformed run payload",
			"node_id", sess.NodeID,
			"error", err)
		return StatusMalformed
	}

	jobRun.NodeID = sess.NodeID
	if err := s.runs.SaveRunTree(ctx, jobRun); err != nil {
		s.runsRejected.Add(1)
		s.logger.Error("run persist failed",
			"node_id", sess.NodeID,
			"run_id", jobRun.RunID,
			"error", err)
		return StatusStoreFailure
	}

	s.runsAccepted.Add(1)
	s.logger.Debug("run stored",
		"node_id", sess.NodeID,
		"run_id", jobRun.RunID,
		"status", jobRun.Status,
		"tasks", len(jobRun.Tasks))
	return StatusAccepted
}
