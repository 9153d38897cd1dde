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

package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/cluster"
	"github.com/kubelab/kubelab/lib/ports"
	"github.com/kubelab/kubelab/lib/sandbox"
	"github.com/kubelab/kubelab/lib/session"
)

type fakeCluster struct {
	mu       sync.Mutex
	clusters map[string]bool
	failWith error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{clusters: make(map[string]bool)}
}

func (f *fakeCluster) Create(ctx context.Context, name string, p cluster.Ports) (string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", 0, f.failWith
	}
	f.clusters[name] = true
	return "/tmp/" + name + "-kubeconfig", time.Second, nil
}

func (f *fakeCluster) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clusters, name)
	return nil
}

func (f *fakeCluster) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.clusters))
	for name := range f.clusters {
		out = append(out, name)
	}
	return out, nil
}

type fakeSandbox struct {
	mu        sync.Mutex
	boxes     map[string]string // handle -> cluster
	failWith  error
	removeErr error
	onCreate  func()
	next      int
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{boxes: make(map[string]string)}
}

func (f *fakeSandbox) Create(ctx context.Context, clusterName, kubeconfigPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.failWith != nil {
		return "", f.failWith
	}
	f.next++
	handle := clusterName + "-sandbox"
	f.boxes[handle] = clusterName
	return handle, nil
}

func (f *fakeSandbox) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.boxes, handle)
	return nil
}

func (f *fakeSandbox) List(ctx context.Context) ([]sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Sandbox, 0, len(f.boxes))
	for handle, clusterName := range f.boxes {
		out = append(out, sandbox.Sandbox{Handle: handle, ClusterName: clusterName})
	}
	return out, nil
}

type fakeTasks struct{ ids []string }

func (f fakeTasks) AssignRandom(ctx context.Context, n int) ([]string, error) {
	return f.ids, nil
}

type env struct {
	manager   *Manager
	store     *session.Store
	backend   *lite.Backend
	allocator *ports.Allocator
	clusters  *fakeCluster
	sandboxes *fakeSandbox
	clock     *clockwork.FakeClock
}

func newTestEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	backend, err := lite.New(context.Background(), lite.Config{Memory: true, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	store := session.NewStore(backend)
	allocator, err := ports.NewAllocator(ports.Config{Backend: backend})
	require.NoError(t, err)

	clusters := newFakeCluster()
	sandboxes := newFakeSandbox()

	cfg := Config{
		Store:   store,
		Ports:   allocator,
		Cluster: clusters,
		Sandbox: sandboxes,
		Tasks:   fakeTasks{ids: []string{"t1", "t2"}},
		Clock:   clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	return &env{
		manager:   mgr,
		store:     store,
		backend:   backend,
		allocator: allocator,
		clusters:  clusters,
		sandboxes: sandboxes,
		clock:     clock,
	}
}

func TestStartHappyPath(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, session.Running, desc.Status)
	require.True(t, strings.HasPrefix(desc.ClusterName, "ckad-"))
	require.Equal(t, 30000, desc.Ports.API)
	require.Equal(t, "/v1/sessions/"+desc.SessionID.String()+"/stream", desc.StreamEndpoint)
	require.Equal(t, 60, desc.TTLMinutes)
	require.Equal(t, 60, desc.RemainingMinutes)

	require.True(t, e.clusters.clusters[desc.ClusterName])
	require.Len(t, e.sandboxes.boxes, 1)

	sess, err := e.store.Get(ctx, desc.SessionID)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, sess.AssignedTasks)
	require.NotEmpty(t, sess.KubeconfigPath)
	require.NotEmpty(t, sess.SandboxHandle)
}

func TestStartSecondSessionConflicts(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	_, err = e.manager.Start(ctx, "alice")
	require.ErrorIs(t, err, session.ErrActiveSessionExists)
	require.Equal(t, KindConflictActive, KindOf(err))
}

func TestStartAtCapacity(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.MaxConcurrent = 1 })
	ctx := context.Background()

	_, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	_, err = e.manager.Start(ctx, "bob")
	require.ErrorIs(t, err, session.ErrAtCapacity)
	require.Equal(t, KindAtCapacity, KindOf(err))
}

func TestStartRateLimited(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.StartsPerHour = 2 })
	ctx := context.Background()

	// failed starts count against the budget too
	e.clusters.failWith = errors.New("dockerd down")
	_, err := e.manager.Start(ctx, "alice")
	require.Error(t, err)
	_, err = e.manager.Start(ctx, "alice")
	require.Error(t, err)

	_, err = e.manager.Start(ctx, "alice")
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, KindRateLimited, KindOf(err))
}

func TestStartCompensatesOnClusterFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.clusters.failWith = errors.New("kind create failed")
	_, err := e.manager.Start(ctx, "alice")
	require.Error(t, err)
	require.Equal(t, "provisioning.cluster", KindOf(err))

	sess, err := e.store.GetActiveByOwner(ctx, "alice")
	require.Error(t, err, "session should be terminal, got %+v", sess)

	// ports went back to the pool: the next lease starts at the bottom
	e.clusters.failWith = nil
	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 30000, desc.Ports.API)
}

func TestStartCompensatesOnReadinessFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.clusters.failWith = &cluster.NotReadyError{Name: "ckad-x", Err: errors.New("node not ready")}
	_, err := e.manager.Start(ctx, "alice")
	require.Error(t, err)
	require.Equal(t, "provisioning.readiness", KindOf(err))
}

func TestStartCompensatesOnSandboxFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.sandboxes.failWith = errors.New("image missing")
	_, err := e.manager.Start(ctx, "alice")
	require.Error(t, err)
	require.Equal(t, "provisioning.sandbox", KindOf(err))

	// the cluster created before the failure was deleted again
	require.Empty(t, e.clusters.clusters)

	id := failedSessionID(t, e)
	sess, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, session.Failed, sess.Status)
	require.Contains(t, sess.Notes, "provisioning.sandbox")

	leases, err := e.allocator.ForSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ports.Leases{}, leases)
}

func TestStartCancelledAfterSandboxCompensates(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the caller goes away while the sandbox is being created: the
	// Running transition fails, and the full unwind must still run
	e.sandboxes.onCreate = cancel

	_, err := e.manager.Start(ctx, "alice")
	require.Error(t, err)

	require.Empty(t, e.clusters.clusters)
	require.Empty(t, e.sandboxes.boxes)

	id := failedSessionID(t, e)
	sess, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.Failed, sess.Status)

	leases, err := e.allocator.ForSession(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ports.Leases{}, leases)
}

func TestConflictRetriesDoNotBurnStartBudget(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.StartsPerHour = 2 })
	ctx := context.Background()

	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	// hammering start with a session already active is a conflict, not
	// a withdrawal from the hourly budget
	for range 5 {
		_, err = e.manager.Start(ctx, "alice")
		require.ErrorIs(t, err, session.ErrActiveSessionExists)
	}

	require.NoError(t, e.manager.Stop(ctx, desc.SessionID))
	desc, err = e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	// the second real start spent the budget
	require.NoError(t, e.manager.Stop(ctx, desc.SessionID))
	_, err = e.manager.Start(ctx, "alice")
	require.ErrorIs(t, err, ErrRateLimited)
}

// failedSessionID digs the single failed session out of the backend.
func failedSessionID(t *testing.T, e *env) session.ID {
	t.Helper()
	var id string
	err := e.backend.QueryRowContext(context.Background(),
		`SELECT id FROM sessions WHERE status = 'failed'`).Scan(&id)
	require.NoError(t, err)
	return session.ID(id)
}

func TestStopTearsDownAndIsIdempotent(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, e.manager.Stop(ctx, desc.SessionID))

	sess, err := e.store.Get(ctx, desc.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.Ended, sess.Status)
	require.Empty(t, e.clusters.clusters)
	require.Empty(t, e.sandboxes.boxes)

	leases, err := e.allocator.ForSession(ctx, desc.SessionID)
	require.NoError(t, err)
	require.Equal(t, ports.Leases{}, leases)

	// stopping again is a no-op
	require.NoError(t, e.manager.Stop(ctx, desc.SessionID))
}

func TestTerminateTimedOut(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, e.manager.Terminate(ctx, desc.SessionID, session.TimedOut))

	sess, err := e.store.Get(ctx, desc.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.TimedOut, sess.Status)
}

func TestTerminateRejectsNonTerminalStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	err := e.manager.Terminate(context.Background(), session.NewID(), session.Running)
	require.Error(t, err)
}

func TestTeardownFailureLeavesEnding(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	e.sandboxes.removeErr = errors.New("dockerd hiccup")
	require.Error(t, e.manager.Stop(ctx, desc.SessionID))

	sess, err := e.store.Get(ctx, desc.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.Ending, sess.Status)

	// the retry completes the teardown
	e.sandboxes.removeErr = nil
	require.NoError(t, e.manager.Stop(ctx, desc.SessionID))
	sess, err = e.store.Get(ctx, desc.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.Ended, sess.Status)
}

func TestExtendOneShot(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	extended, err := e.manager.Extend(ctx, desc.SessionID)
	require.NoError(t, err)
	require.Equal(t, 90, extended.TTLMinutes)
	require.True(t, extended.Extended)

	_, err = e.manager.Extend(ctx, desc.SessionID)
	require.ErrorIs(t, err, session.ErrAlreadyExtended)
	require.Equal(t, KindAlreadyExtended, KindOf(err))
}

func TestDraining(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	desc, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	e.manager.SetDraining()
	_, err = e.manager.Start(ctx, "bob")
	require.ErrorIs(t, err, ErrDraining)

	// existing sessions still work
	_, err = e.manager.Status(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, e.manager.Stop(ctx, desc.SessionID))
}

func TestPlatformStatus(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.MaxConcurrent = 4 })
	ctx := context.Background()

	status, err := e.manager.PlatformStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, status.MaxConcurrent)
	require.Equal(t, 0, status.Active)
	require.Equal(t, 4, status.AvailableSlots)

	_, err = e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	status, err = e.manager.PlatformStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Active)
	require.Equal(t, 3, status.AvailableSlots)
}

func TestStatusReportsRemainingTime(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := e.manager.Start(ctx, "alice")
	require.NoError(t, err)

	e.clock.Advance(20 * time.Minute)

	desc, err := e.manager.Status(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 40, desc.RemainingMinutes)
}
