/*
 * Kubelab
 * Copyright (C) 2025  Kubelab, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package tasks is the practice task catalog: read-mostly task records,
// random assignment at session start, and immutable grading results.
// Assigned and completed task sets are kept in two distinct session
// columns; nothing here depends on inspecting value shapes at runtime.
package tasks

import (
	"context"
	"database/sql"
	"math/rand/v2"

	"github.com/gravitational/trace"

	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/session"
)

// Task is one practice exercise.
type Task struct {
	// ID is the stable task identifier.
	ID string `json:"id"`
	// Title is the short task name shown in listings.
	Title string `json:"title"`
	// Body is the full task statement.
	Body string `json:"body"`
	// Difficulty is a free-form difficulty class.
	Difficulty string `json:"difficulty"`
	// VerifySpec describes how the grader checks the task.
	VerifySpec string `json:"verify_spec,omitempty"`
}

// Result is an immutable grading outcome for (session, task).
type Result struct {
	SessionID    session.ID `json:"session_id"`
	TaskID       string     `json:"task_id"`
	Score        float64    `json:"score"`
	ChecksPassed int        `json:"checks_passed"`
	ChecksTotal  int        `json:"checks_total"`
}

// Catalog reads and writes the task tables.
type Catalog struct {
	backend *lite.Backend
}

// NewCatalog creates a catalog over the given backend.
func NewCatalog(backend *lite.Backend) *Catalog {
	return &Catalog{backend: backend}
}

// Upsert inserts or replaces a task. Used by catalog seeding.
func (c *Catalog) Upsert(ctx context.Context, t Task) error {
	if t.ID == "" || t.Title == "" {
		return trace.BadParameter("task id and title are required")
	}
	_, err := c.backend.ExecContext(ctx,
		`INSERT INTO tasks (id, title, body, difficulty, verify_spec)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			title = excluded.title, body = excluded.body,
			difficulty = excluded.difficulty, verify_spec = excluded.verify_spec`,
		t.ID, t.Title, t.Body, t.Difficulty, t.VerifySpec)
	return trace.Wrap(err)
}

// Get returns one task by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := c.backend.QueryRowContext(ctx,
		`SELECT id, title, body, difficulty, verify_spec FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &t.Body, &t.Difficulty, &t.VerifySpec)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("task %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &t, nil
}

// List returns all tasks ordered by id.
func (c *Catalog) List(ctx context.Context) ([]Task, error) {
	rows, err := c.backend.QueryContext(ctx,
		`SELECT id, title, body, difficulty, verify_spec FROM tasks ORDER BY id`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Body, &t.Difficulty, &t.VerifySpec); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, t)
	}
	return out, trace.Wrap(rows.Err())
}

// AssignRandom picks up to n distinct task ids uniformly at random.
func (c *Catalog) AssignRandom(ctx context.Context, n int) ([]string, error) {
	rows, err := c.backend.QueryContext(ctx, `SELECT id FROM tasks`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}

// RecordResult stores a grading outcome and marks the task completed on
// the session, in one transaction. Results are immutable: a second write
// for the same (session, task) pair fails with AlreadyExists.
func (c *Catalog) RecordResult(ctx context.Context, r Result) error {
	err := c.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_results (session_id, task_id, score,
				checks_passed, checks_total, created_unix)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.SessionID.String(), r.TaskID, r.Score,
			r.ChecksPassed, r.ChecksTotal, c.backend.Clock().Now().Unix())
		if err != nil {
			if lite.IsConstraintError(err) {
				return trace.AlreadyExists("result for task %q already recorded", r.TaskID)
			}
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions
			 SET completed_tasks = CASE WHEN completed_tasks = ''
				THEN ? ELSE completed_tasks || ',' || ? END
			 WHERE id = ?`,
			r.TaskID, r.TaskID, r.SessionID.String())
		return trace.Wrap(err)
	})
	return trace.Wrap(err)
}

// ResultsForSession returns the session's grading history.
func (c *Catalog) ResultsForSession(ctx context.Context, id session.ID) ([]Result, error) {
	rows, err := c.backend.QueryContext(ctx,
		`SELECT session_id, task_id, score, checks_passed, checks_total
		 FROM task_results WHERE session_id = ? ORDER BY task_id`, id.String())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r   Result
			sid string
		)
		if err := rows.Scan(&sid, &r.TaskID, &r.Score, &r.ChecksPassed, &r.ChecksTotal); err != nil {
			return nil, trace.Wrap(err)
		}
		r.SessionID = session.ID(sid)
		out = append(out, r)
	}
	return out, trace.Wrap(rows.Err())
}
