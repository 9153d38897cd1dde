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

package session

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, "sessions")

// terminalSet is the SQL literal enumerating terminal statuses. It must
// match the partial indexes in the schema.
const terminalSet = "('ended', 'timed_out', 'failed')"

const sessionColumns = `id, owner, status, start_unix, ttl_minutes, extended,
	cluster_name, kubeconfig_path, sandbox_handle, assigned_tasks,
	completed_tasks, notes`

// Store persists session records. All status transitions go through short
// transactions here; no external operation is ever performed while a
// transaction is open.
type Store struct {
	backend *lite.Backend
}

// NewStore creates a session store over the given backend.
func NewStore(backend *lite.Backend) *Store {
	return &Store{backend: backend}
}

// CreateReserved atomically admits a new session: the global capacity
// check, the one-active-session-per-owner check and the insert of the
// Reserved row all happen in a single transaction. Returns
// ErrAtCapacity or ErrActiveSessionExists on admission failure.
func (s *Store) CreateReserved(ctx context.Context, owner, clusterName string, ttlMinutes, maxConcurrent int) (*Session, error) {
	sess := &Session{
		ID:          NewID(),
		Owner:       owner,
		Status:      Reserved,
		StartTime:   s.backend.Clock().Now().UTC().Truncate(time.Second),
		TTLMinutes:  ttlMinutes,
		ClusterName: clusterName,
	}
	err := s.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE status NOT IN `+terminalSet,
		).Scan(&active); err != nil {
			return trace.Wrap(err)
		}
		if active >= maxConcurrent {
			return trace.Wrap(ErrAtCapacity)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, owner, status, start_unix, ttl_minutes,
				extended, cluster_name)
			 VALUES (?, ?, ?, ?, ?, 0, ?)`,
			sess.ID.String(), sess.Owner, string(sess.Status),
			sess.StartTime.Unix(), sess.TTLMinutes, sess.ClusterName)
		if lite.IsConstraintError(err) {
			return trace.Wrap(ErrActiveSessionExists)
		}
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Reserved session",
		"session_id", sess.ID, "owner", owner, "cluster", clusterName)
	return sess, nil
}

// Get returns the session with the given id.
func (s *Store) Get(ctx context.Context, id ID) (*Session, error) {
	row := s.backend.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String())
	sess, err := scanSession(row)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// GetActiveByOwner returns the owner's non-terminal session, or NotFound.
func (s *Store) GetActiveByOwner(ctx context.Context, owner string) (*Session, error) {
	row := s.backend.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE owner = ? AND status NOT IN `+terminalSet, owner)
	sess, err := scanSession(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no active session for owner")
		}
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// Advance moves the session state machine forward to the given status and
// applies the optional field updates in the same transaction. The
// transition must be legal per Status.CanTransition; advancing an
// already-terminal session returns ErrInvalidTransition.
func (s *Store) Advance(ctx context.Context, id ID, to Status, update func(*Session)) (*Session, error) {
	if err := to.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	var sess *Session
	err := s.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = getForUpdate(ctx, tx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		if !sess.Status.CanTransition(to) {
			return trace.Wrap(ErrInvalidTransition,
				"cannot transition session %v from %v to %v", id, sess.Status, to)
		}
		sess.Status = to
		if update != nil {
			update(sess)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, kubeconfig_path = ?,
				sandbox_handle = ?, assigned_tasks = ?, notes = ?
			 WHERE id = ?`,
			string(sess.Status), sess.KubeconfigPath, sess.SandboxHandle,
			strings.Join(sess.AssignedTasks, ","), sess.Notes, id.String())
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.DebugContext(ctx, "Advanced session", "session_id", id, "status", to)
	return sess, nil
}

// Extend adds minutes to the session TTL. The extension is one-shot:
// a second call returns ErrAlreadyExtended without changing the TTL.
func (s *Store) Extend(ctx context.Context, id ID, minutes int) (*Session, error) {
	var sess *Session
	err := s.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = getForUpdate(ctx, tx, id)
		if err != nil {
			return trace.Wrap(err)
		}
		if sess.Status.IsTerminal() {
			return trace.NotFound("no active session %v", id)
		}
		if sess.Extended {
			return trace.Wrap(ErrAlreadyExtended)
		}
		sess.TTLMinutes += minutes
		sess.Extended = true
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET ttl_minutes = ?, extended = 1 WHERE id = ?`,
			sess.TTLMinutes, id.String())
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Extended session", "session_id", id, "ttl_minutes", sess.TTLMinutes)
	return sess, nil
}

// SetAssignedTasks records the task ids dealt to the session.
func (s *Store) SetAssignedTasks(ctx context.Context, id ID, taskIDs []string) error {
	_, err := s.backend.ExecContext(ctx,
		`UPDATE sessions SET assigned_tasks = ? WHERE id = ?`,
		strings.Join(taskIDs, ","), id.String())
	return trace.Wrap(err)
}

// AppendNote appends a line to the session's diagnostic trail. The notes
// column is append-only.
func (s *Store) AppendNote(ctx context.Context, id ID, note string) error {
	err := s.backend.InTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions
			 SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
			 WHERE id = ?`, note, note, id.String())
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.NotFound("session %v not found", id)
		}
		return nil
	})
	return trace.Wrap(err)
}

// ActiveCount returns the number of non-terminal sessions.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.backend.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status NOT IN `+terminalSet).Scan(&n)
	return n, trace.Wrap(err)
}

// ListActive returns all non-terminal sessions.
func (s *Store) ListActive(ctx context.Context) ([]Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status NOT IN `+terminalSet)
}

// ListExpired returns non-terminal sessions whose TTL elapsed before now.
func (s *Store) ListExpired(ctx context.Context) ([]Session, error) {
	now := s.backend.Clock().Now().Unix()
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status NOT IN `+terminalSet+`
		 AND start_unix + ttl_minutes * 60 < ?`, now)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.backend.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *sess)
	}
	return out, trace.Wrap(rows.Err())
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess                     Session
		id, status               string
		startUnix                int64
		extended                 int
		assignedCSV, completedCSV string
	)
	err := sc.Scan(&id, &sess.Owner, &status, &startUnix, &sess.TTLMinutes,
		&extended, &sess.ClusterName, &sess.KubeconfigPath,
		&sess.SandboxHandle, &assignedCSV, &completedCSV, &sess.Notes)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("session not found")
		}
		return nil, trace.Wrap(err)
	}
	sess.ID = ID(id)
	sess.Status = Status(status)
	sess.StartTime = time.Unix(startUnix, 0).UTC()
	sess.Extended = extended != 0
	sess.AssignedTasks = splitCSV(assignedCSV)
	sess.CompletedTasks = splitCSV(completedCSV)
	return &sess, nil
}

func getForUpdate(ctx context.Context, tx *sql.Tx, id ID) (*Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String())
	sess, err := scanSession(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("session %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
