// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nodewatch/nodewatch/lib/schema/run"
)

// SaveRunTree persists a job-run tree, the root row and every task
// row, in one IMMEDIATE transaction. Any failure rolls the whole tree
// back. The run must already be attributed (NodeID set); the wire
// identifier is stored as-is, and a resent tree simply produces
// another root row.
func (s *Store) SaveRunTree(ctx context.Context, jobRun *run.JobRun) error {
	if jobRun.NodeID == 0 {
		return fmt.Errorf("store: save run tree: run has no owning node")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save run tree: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: save run tree: begin: %w", err)
	}
	defer endTransaction(&err)

	var errorText any
	if jobRun.Error != "" {
		errorText = jobRun.Error
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO job_runs (run_id, node_id, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				jobRun.RunID,
				jobRun.NodeID,
				jobRun.Status,
				errorText,
				s.clock.Now().UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: save run tree: root: %w", err)
	}

	rootRowID := conn.LastInsertRowID()

	for i := range jobRun.Tasks {
		task := &jobRun.Tasks[i]

		var output any
		if len(task.Output) > 0 {
			output = string(task.Output)
		}

		err = sqlitex.Execute(conn,
			`INSERT INTO task_runs (job_run_id, position, type, status, output)
			 VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{rootRowID, i, task.Type, task.Status, output},
			})
		if err != nil {
			return fmt.Errorf("store: save run tree: task %d: %w", i, err)
		}
	}

	return nil
}

// StoredRun is one persisted job-run root row.
type StoredRun struct {
	RowID     int64
	RunID     string
	NodeID    int64
	Status    string
	Error     string
	CreatedAt int64 // Unix nanoseconds.
}

// RunsForNode returns a node's persisted run roots, newest first.
func (s *Store) RunsForNode(ctx context.Context, nodeID int64) ([]StoredRun, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: runs for node: %w", err)
	}
	defer s.pool.Put(conn)

	var runs []StoredRun
	err = sqlitex.Execute(conn,
		`SELECT id, run_id, node_id, status, error, created_at
		 FROM job_runs WHERE node_id = ? ORDER BY created_at DESC, id DESC`,
		&sqlitex.ExecOptions{
			Args: []any{nodeID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				runs = append(runs, StoredRun{
					RowID:     stmt.ColumnInt64(0),
					RunID:     stmt.ColumnText(1),
					NodeID:    stmt.ColumnInt64(2),
					Status:    stmt.ColumnText(3),
					Error:     stmt.ColumnText(4),
					CreatedAt: stmt.ColumnInt64(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: runs for node: %w", err)
	}
	return runs, nil
}

// TasksForRun returns the task rows of one persisted run root, in
// report order.
func (s *Store) TasksForRun(ctx context.Context, runRowID int64) ([]run.TaskRun, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: tasks for run: %w", err)
	}
	defer s.pool.Put(conn)

	var tasks []run.TaskRun
	err = sqlitex.Execute(conn,
		`SELECT type, status, output FROM task_runs
		 WHERE job_run_id = ? ORDER BY position`,
		&sqlitex.ExecOptions{
			Args: []any{runRowID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task := run.TaskRun{
					Type:   stmt.ColumnText(0),
					Status: stmt.ColumnText(1),
				}
				if !stmt.ColumnIsNull(2) {
					task.Output = []byte(stmt.ColumnText(2))
				}
				tasks = append(tasks, task)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: tasks for run: %w", err)
	}
	return tasks, nil
}
