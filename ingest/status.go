// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"encoding/json"
	"net/http"
)

type statusResponse struct {
	ConnectedNodes int     `json:"connected_nodes"`
	RunsAccepted   uint64  `json:"runs_accepted"`
	RunsRejected   uint64  `json:"runs_rejected"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// HandleStatus reports connection and ingestion counters as JSON.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		ConnectedNodes: s.registry.active(),
		RunsAccepted:   s.runsAccepted.Load(),
		RunsRejected:   s.runsRejected.Load(),
		UptimeSeconds:  s.clock.Now().Sub(s.startedAt).Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("status write failed", "error", err)
	}
}
