// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package run defines the job-run tree pushed by node agents: a root
// run record with an ordered sequence of task runs, reported as one
// JSON document per WebSocket frame and persisted as one atomic unit.
package run

import (
	"encoding/json"
	"fmt"
)

// JobRun is the root of a job-run tree. The identifier is supplied by
// the reporting node, not generated server-side, so a node may resend
// the same tree after a failed persist; the server stores every
// accepted tree without deduplication.
type JobRun struct {
	// RunID is the node-assigned identifier of the run.
	RunID string `json:"id"`

	// NodeID is the owning node, resolved from the authenticated
	// session. Never read from the wire: whatever the payload claims
	// about its origin is discarded during parsing.
	NodeID int64 `json:"-"`

	// Status is the run outcome reported by the node.
	Status string `json:"status"`

	// Error carries the node-reported failure detail, if any.
	Error string `json:"error,omitempty"`

	// Tasks are the nested task runs, in report order.
	Tasks []TaskRun `json:"children,omitempty"`
}

// TaskRun is one nested record within a job-run tree.
type TaskRun struct {
	// Type names the task that produced this record.
	Type string `json:"type,omitempty"`

	// Status is the task outcome.
	Status string `json:"status"`

	// Output is the task's result payload, kept opaque.
	Output json.RawMessage `json:"output,omitempty"`
}

// Parse decodes one wire frame into a JobRun and validates its shape.
// The owning node is always zero after Parse; callers attribute the
// run from the session before persisting.
func Parse(data []byte) (*JobRun, error) {
	var jobRun JobRun
	if err := json.Unmarshal(data, &jobRun); err != nil {
		return nil, fmt.Errorf("run: decoding job run: %w", err)
	}
	jobRun.NodeID = 0

	if err := jobRun.Validate(); err != nil {
		return nil, err
	}
	return &jobRun, nil
}

// Validate checks the required fields of the tree.
func (j *JobRun) Validate() error {
	if j.RunID == "" {
		return fmt.Errorf("run: missing required field: id")
	}
	if j.Status == "" {
		return fmt.Errorf("run: missing required field: status")
	}
	for i := range j.Tasks {
		if j.Tasks[i].Status == "" {
			return fmt.Errorf("run: task %d: missing required field: status", i)
		}
	}
	return nil
}
