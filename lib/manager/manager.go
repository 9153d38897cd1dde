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

// Package manager owns the composite session lifecycle: admission,
// the creation pipeline with paired compensators, the one-shot TTL
// extension, and teardown. Every start either produces a Running session
// or leaves the host exactly as it found it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/cluster"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/ports"
	"github.com/kubelab/kubelab/lib/sandbox"
	"github.com/kubelab/kubelab/lib/session"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentManager)

// ClusterDriver is the part of the cluster driver the manager uses.
type ClusterDriver interface {
	Create(ctx context.Context, name string, p cluster.Ports) (string, time.Duration, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// SandboxDriver is the part of the sandbox driver the manager uses.
type SandboxDriver interface {
	Create(ctx context.Context, clusterName, kubeconfigPath string) (string, error)
	Remove(ctx context.Context, handle string) error
	List(ctx context.Context) ([]sandbox.Sandbox, error)
}

// PortAllocator is the part of the port allocator the manager uses.
type PortAllocator interface {
	Lease(ctx context.Context, id session.ID) (ports.Leases, error)
	Release(ctx context.Context, id session.ID) error
	ForSession(ctx context.Context, id session.ID) (ports.Leases, error)
}

// TaskAssigner deals practice tasks to new sessions.
type TaskAssigner interface {
	AssignRandom(ctx context.Context, n int) ([]string, error)
}

// Descriptor is the API-facing view of a session.
type Descriptor struct {
	SessionID        session.ID     `json:"session_id"`
	ClusterName      string         `json:"cluster_name"`
	Status           session.Status `json:"status"`
	StartTime        time.Time      `json:"start_instant"`
	TTLMinutes       int            `json:"ttl_minutes"`
	RemainingMinutes int            `json:"remaining_minutes"`
	Extended         bool           `json:"extended"`
	Ports            ports.Leases   `json:"ports"`
	StreamEndpoint   string         `json:"stream_endpoint_ref"`
}

// PlatformStatus summarizes platform capacity.
type PlatformStatus struct {
	MaxConcurrent     int `json:"max_concurrent"`
	Active            int `json:"active"`
	AvailableSlots    int `json:"available_slots"`
	DefaultTTLMinutes int `json:"default_ttl_minutes"`
	ExtensionMinutes  int `json:"extension_minutes"`
}

// Config configures the manager.
type Config struct {
	// Store is the session store, the serialization point for all
	// per-session state.
	Store *session.Store
	// Ports, Cluster and Sandbox are the host resource drivers.
	Ports   PortAllocator
	Cluster ClusterDriver
	Sandbox SandboxDriver
	// Tasks is optional; without it sessions start with no assignment.
	Tasks TaskAssigner
	// Clock is the time source, overridden in tests.
	Clock clockwork.Clock
	// MaxConcurrent caps active sessions across all owners.
	MaxConcurrent int
	// TTLMinutes is the time budget of a fresh session.
	TTLMinutes int
	// ExtensionMinutes is granted by the one-shot extension.
	ExtensionMinutes int
	// AssignedTaskCount is how many tasks are dealt at start.
	AssignedTaskCount int
	// StartsPerHour is the per-owner session start budget.
	StartsPerHour int
	// ClusterCreateTimeout, SandboxCreateTimeout and TeardownTimeout
	// bound the external driver calls.
	ClusterCreateTimeout time.Duration
	SandboxCreateTimeout time.Duration
	TeardownTimeout      time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Ports == nil {
		return trace.BadParameter("missing parameter Ports")
	}
	if c.Cluster == nil {
		return trace.BadParameter("missing parameter Cluster")
	}
	if c.Sandbox == nil {
		return trace.BadParameter("missing parameter Sandbox")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaults.MaxConcurrent
	}
	if c.TTLMinutes == 0 {
		c.TTLMinutes = defaults.SessionTTLMinutes
	}
	if c.ExtensionMinutes == 0 {
		c.ExtensionMinutes = defaults.ExtensionMinutes
	}
	if c.AssignedTaskCount == 0 {
		c.AssignedTaskCount = defaults.AssignedTaskCount
	}
	if c.StartsPerHour == 0 {
		c.StartsPerHour = defaults.SessionStartsPerHour
	}
	if c.ClusterCreateTimeout == 0 {
		c.ClusterCreateTimeout = defaults.ClusterCreateTimeout
	}
	if c.SandboxCreateTimeout == 0 {
		c.SandboxCreateTimeout = defaults.SandboxCreateTimeout
	}
	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = defaults.ClusterDeleteTimeout + defaults.SandboxStopTimeout
	}
	return nil
}

// Manager implements the start/status/extend/stop operations.
type Manager struct {
	Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	draining bool
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		Config:   cfg,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// SetDraining stops admission of new sessions. Existing sessions are
// unaffected; they survive the restart and are reconciled on next boot.
func (m *Manager) SetDraining() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draining = true
}

// limiter returns the owner's start-rate limiter, creating it on first
// use.
func (m *Manager) limiter(owner string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[owner]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(m.StartsPerHour)), m.StartsPerHour)
		m.limiters[owner] = l
	}
	return l
}

// Start admits and materializes a new session for the owner. On any
// failure after admission, every resource created so far is released in
// reverse order and the session row is marked Failed; the original error
// is returned with the teardown errors logged, never masking it.
func (m *Manager) Start(ctx context.Context, owner string) (*Descriptor, error) {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		return nil, trace.Wrap(ErrDraining)
	}
	if owner == "" {
		return nil, trace.BadParameter("missing owner")
	}

	// Admission order matters: an owner retrying against an existing
	// session or a full platform must not burn their hourly start budget.
	// These checks are advisory; CreateReserved re-checks both atomically.
	if _, err := m.Store.GetActiveByOwner(ctx, owner); err == nil {
		return nil, trace.Wrap(session.ErrActiveSessionExists)
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	active, err := m.Store.ActiveCount(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if active >= m.MaxConcurrent {
		return nil, trace.Wrap(session.ErrAtCapacity)
	}
	if !m.limiter(owner).Allow() {
		return nil, trace.Wrap(ErrRateLimited)
	}

	shortID, err := utils.ShortID(4)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clusterName := defaults.ClusterNamePrefix + shortID

	// Admission: capacity check, per-owner uniqueness and the Reserved
	// row all commit atomically.
	sess, err := m.Store.CreateReserved(ctx, owner, clusterName, m.TTLMinutes, m.MaxConcurrent)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	log.InfoContext(ctx, "Starting session",
		"session_id", sess.ID, "owner", owner, "cluster", clusterName)

	comp := &compensation{}

	leases, err := m.Ports.Lease(ctx, sess.ID)
	if err != nil {
		return nil, m.fail(ctx, sess, comp, trace.Wrap(err))
	}
	comp.push("port leases", func(ctx context.Context) error {
		return m.Ports.Release(ctx, sess.ID)
	})

	clusterCtx, cancel := context.WithTimeout(ctx, m.ClusterCreateTimeout)
	kubeconfigPath, took, err := m.Cluster.Create(clusterCtx, clusterName, cluster.Ports{
		API:   leases.API,
		HTTP:  leases.HTTP,
		HTTPS: leases.HTTPS,
	})
	cancel()
	if err != nil {
		return nil, m.fail(ctx, sess, comp, provisioningError(err))
	}
	comp.push("cluster", func(ctx context.Context) error {
		return m.Cluster.Delete(ctx, clusterName)
	})

	if _, err := m.Store.Advance(ctx, sess.ID, session.Provisioning, func(s *session.Session) {
		s.KubeconfigPath = kubeconfigPath
	}); err != nil {
		return nil, m.fail(ctx, sess, comp, trace.Wrap(err))
	}

	sandboxCtx, cancel := context.WithTimeout(ctx, m.SandboxCreateTimeout)
	handle, err := m.Sandbox.Create(sandboxCtx, clusterName, kubeconfigPath)
	cancel()
	if err != nil {
		return nil, m.fail(ctx, sess, comp, &ProvisioningError{Step: StepSandbox, Err: err})
	}
	comp.push("sandbox", func(ctx context.Context) error {
		return m.Sandbox.Remove(ctx, handle)
	})

	running, err := m.Store.Advance(ctx, sess.ID, session.Running, func(s *session.Session) {
		s.SandboxHandle = handle
	})
	if err != nil {
		return nil, m.fail(ctx, sess, comp, trace.Wrap(err))
	}
	sess = running

	// Task assignment is non-fatal: a session without tasks is still a
	// usable environment.
	if m.Tasks != nil {
		if ids, err := m.Tasks.AssignRandom(ctx, m.AssignedTaskCount); err != nil {
			log.WarnContext(ctx, "Task assignment failed", "session_id", sess.ID, "error", err)
			if noteErr := m.Store.AppendNote(ctx, sess.ID, "task assignment failed"); noteErr != nil {
				log.WarnContext(ctx, "Recording assignment failure failed", "error", noteErr)
			}
		} else if err := m.Store.SetAssignedTasks(ctx, sess.ID, ids); err != nil {
			log.WarnContext(ctx, "Persisting task assignment failed", "session_id", sess.ID, "error", err)
		}
	}

	log.InfoContext(ctx, "Session running",
		"session_id", sess.ID, "cluster", clusterName, "cluster_create", took)
	return m.describe(ctx, sess)
}

// fail unwinds the compensation stack and marks the session Failed with
// the original error's kind in the notes. The original error is always
// the one returned.
func (m *Manager) fail(ctx context.Context, sess *session.Session, comp *compensation, origErr error) error {
	// teardown continues even if the caller's context is gone
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.TeardownTimeout)
	defer cancel()

	if compErr := comp.unwind(teardownCtx); compErr != nil {
		log.ErrorContext(ctx, "Compensation incomplete, reaper will retry",
			"session_id", sess.ID, "error", compErr)
	}
	if _, err := m.Store.Advance(teardownCtx, sess.ID, session.Failed, func(s *session.Session) {
		s.Notes = appendNote(s.Notes, "start failed: "+KindOf(origErr))
	}); err != nil {
		log.ErrorContext(ctx, "Marking session failed did not succeed",
			"session_id", sess.ID, "error", err)
	}
	log.WarnContext(ctx, "Session start failed",
		"session_id", sess.ID, "kind", KindOf(origErr), "error", origErr)
	return trace.Wrap(origErr)
}

// Status returns the owner's active session, or NotFound if none exists.
func (m *Manager) Status(ctx context.Context, owner string) (*Descriptor, error) {
	sess, err := m.Store.GetActiveByOwner(ctx, owner)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return m.describe(ctx, sess)
}

// Extend grants the one-shot TTL extension.
func (m *Manager) Extend(ctx context.Context, id session.ID) (*Descriptor, error) {
	sess, err := m.Store.Extend(ctx, id, m.ExtensionMinutes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return m.describe(ctx, sess)
}

// Stop tears the session down in reverse creation order and marks it
// Ended. Stopping an already-terminal session is a no-op returning
// success.
func (m *Manager) Stop(ctx context.Context, id session.ID) error {
	return m.Terminate(ctx, id, session.Ended)
}

// Terminate is Stop with a caller-chosen terminal status; the reaper uses
// it to mark expired sessions TimedOut. Safe to call concurrently with
// user-initiated stops: all deletes are idempotent.
func (m *Manager) Terminate(ctx context.Context, id session.ID, final session.Status) error {
	if !final.IsTerminal() {
		return trace.BadParameter("status %q is not terminal", final)
	}
	sess, err := m.Store.Get(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if sess.Status.IsTerminal() {
		return nil
	}

	if _, err := m.Store.Advance(ctx, id, session.Ending, nil); err != nil {
		return trace.Wrap(err)
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.TeardownTimeout)
	defer cancel()

	// reverse creation order: sandbox, cluster (and its kubeconfig
	// artifact), ports
	var errs []error
	if sess.SandboxHandle != "" {
		if err := m.Sandbox.Remove(teardownCtx, sess.SandboxHandle); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	if err := m.Cluster.Delete(teardownCtx, sess.ClusterName); err != nil {
		errs = append(errs, trace.Wrap(err))
	}
	if err := m.Ports.Release(teardownCtx, sess.ID); err != nil {
		errs = append(errs, trace.Wrap(err))
	}
	if len(errs) > 0 {
		// leave the session in Ending; the reaper retries teardown on
		// its next tick
		return trace.NewAggregate(errs...)
	}

	if _, err := m.Store.Advance(teardownCtx, id, final, nil); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Session terminated", "session_id", id, "status", final)
	return nil
}

// PlatformStatus reports capacity for the status endpoint.
func (m *Manager) PlatformStatus(ctx context.Context) (*PlatformStatus, error) {
	active, err := m.Store.ActiveCount(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	avail := m.MaxConcurrent - active
	if avail < 0 {
		avail = 0
	}
	return &PlatformStatus{
		MaxConcurrent:     m.MaxConcurrent,
		Active:            active,
		AvailableSlots:    avail,
		DefaultTTLMinutes: m.TTLMinutes,
		ExtensionMinutes:  m.ExtensionMinutes,
	}, nil
}

func (m *Manager) describe(ctx context.Context, sess *session.Session) (*Descriptor, error) {
	leases, err := m.Ports.ForSession(ctx, sess.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Descriptor{
		SessionID:        sess.ID,
		ClusterName:      sess.ClusterName,
		Status:           sess.Status,
		StartTime:        sess.StartTime,
		TTLMinutes:       sess.TTLMinutes,
		RemainingMinutes: sess.RemainingMinutes(m.Clock.Now()),
		Extended:         sess.Extended,
		Ports:            leases,
		StreamEndpoint:   fmt.Sprintf("/v1/sessions/%s/stream", sess.ID),
	}, nil
}

// provisioningError classifies a cluster driver failure as readiness or
// cluster provisioning.
func provisioningError(err error) error {
	var notReady *cluster.NotReadyError
	if errors.As(err, &notReady) {
		return &ProvisioningError{Step: StepReadiness, Err: err}
	}
	return &ProvisioningError{Step: StepCluster, Err: err}
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
