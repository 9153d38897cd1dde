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

// Package session defines the durable session record, its status state
// machine, and the store that is the serialization point for all
// per-session state transitions.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// ID is a unique session identifier.
type ID string

// NewID returns a fresh session ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID checks that s is a valid session ID.
func ParseID(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", trace.BadParameter("invalid session id %q", s)
	}
	return ID(s), nil
}

// String returns the string representation of the ID.
func (id ID) String() string {
	return string(id)
}

// Status is a session lifecycle state. Transitions are monotonic:
// a status only ever advances towards a terminal state, never backwards.
type Status string

const (
	// Reserved means the session row exists but no host resources have
	// been allocated yet.
	Reserved Status = "reserved"
	// Provisioning means the cluster is up and the sandbox is being
	// created.
	Provisioning Status = "provisioning"
	// Running means the session is fully materialized and accepting
	// terminal connections.
	Running Status = "running"
	// Ending means a teardown is in progress.
	Ending Status = "ending"
	// Ended means the session was stopped by its owner.
	Ended Status = "ended"
	// TimedOut means the session was reaped after its TTL elapsed.
	TimedOut Status = "timed_out"
	// Failed means session creation failed and was compensated.
	Failed Status = "failed"
)

// statusRank orders statuses for the monotonicity check. Terminal states
// share the highest rank; they are absorbing.
var statusRank = map[Status]int{
	Reserved:     0,
	Provisioning: 1,
	Running:      2,
	Ending:       3,
	Ended:        4,
	TimedOut:     4,
	Failed:       4,
}

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case Ended, TimedOut, Failed:
		return true
	}
	return false
}

// CanTransition reports whether a session may move from s to next.
// Failed and Ending are reachable from any non-terminal state; otherwise
// only forward movement is allowed.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == Failed || next == Ending {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Check validates the status value.
func (s Status) Check() error {
	if _, ok := statusRank[s]; !ok {
		return trace.BadParameter("unknown session status %q", s)
	}
	return nil
}

// Session is the durable record of one leased practice environment.
type Session struct {
	// ID is the session identifier.
	ID ID `json:"id"`
	// Owner is the opaque user id owning this session.
	Owner string `json:"owner"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// StartTime is when the session was reserved.
	StartTime time.Time `json:"start_time"`
	// TTLMinutes is the session time budget measured from StartTime.
	TTLMinutes int `json:"ttl_minutes"`
	// Extended records whether the one-shot extension has been used.
	Extended bool `json:"extended"`
	// ClusterName addresses the session's kind cluster.
	ClusterName string `json:"cluster_name"`
	// KubeconfigPath is the rewritten kubeconfig emitted by the cluster
	// driver, empty until the cluster is ready.
	KubeconfigPath string `json:"kubeconfig_path,omitempty"`
	// SandboxHandle identifies the session's sandbox container, empty
	// until the sandbox exists.
	SandboxHandle string `json:"sandbox_handle,omitempty"`
	// AssignedTasks are the task ids dealt to this session.
	AssignedTasks []string `json:"assigned_tasks,omitempty"`
	// CompletedTasks are the task ids already graded for this session.
	CompletedTasks []string `json:"completed_tasks,omitempty"`
	// Notes is an append-only diagnostic trail.
	Notes string `json:"notes,omitempty"`
}

// Expiry returns the instant at which the session times out.
func (s *Session) Expiry() time.Time {
	return s.StartTime.Add(time.Duration(s.TTLMinutes) * time.Minute)
}

// Expired reports whether the session TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.Expiry())
}

// RemainingMinutes returns the whole minutes left before expiry, never
// negative.
func (s *Session) RemainingMinutes(now time.Time) int {
	left := s.Expiry().Sub(now)
	if left < 0 {
		return 0
	}
	return int(left / time.Minute)
}

// TerminalParams describes the PTY geometry of a terminal attached to a
// session.
type TerminalParams struct {
	W int `json:"cols"`
	H int `json:"rows"`
}

// Check validates the geometry.
func (p TerminalParams) Check() error {
	if p.W <= 0 || p.H <= 0 || p.W >= 4096 || p.H >= 4096 {
		return trace.BadParameter("bad terminal dimensions %dx%d", p.W, p.H)
	}
	return nil
}

// String returns a compact representation of the geometry.
func (p TerminalParams) String() string {
	return fmt.Sprintf("%dx%d", p.W, p.H)
}
