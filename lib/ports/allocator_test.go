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

package ports

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/session"
)

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *session.Store) {
	t.Helper()
	backend, err := lite.New(context.Background(), lite.Config{Memory: true})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	cfg.Backend = backend
	allocator, err := NewAllocator(cfg)
	require.NoError(t, err)
	return allocator, session.NewStore(backend)
}

// reserve creates the session row port leases reference.
func reserve(t *testing.T, store *session.Store, owner, cluster string) session.ID {
	t.Helper()
	sess, err := store.CreateReserved(context.Background(), owner, cluster, 60, 100)
	require.NoError(t, err)
	return sess.ID
}

func TestLeaseSmallestFree(t *testing.T) {
	allocator, store := newTestAllocator(t, Config{})
	ctx := context.Background()

	a := reserve(t, store, "alice", "ckad-aaaa")
	b := reserve(t, store, "bob", "ckad-bbbb")

	first, err := allocator.Lease(ctx, a)
	require.NoError(t, err)
	require.Equal(t, 30000, first.API)
	require.Equal(t, 40000, first.HTTP)
	require.Equal(t, 45000, first.HTTPS)

	second, err := allocator.Lease(ctx, b)
	require.NoError(t, err)
	require.Equal(t, 30001, second.API)
	require.Equal(t, 40001, second.HTTP)
	require.Equal(t, 45001, second.HTTPS)
}

func TestLeaseReusesReleasedPorts(t *testing.T) {
	allocator, store := newTestAllocator(t, Config{})
	ctx := context.Background()

	a := reserve(t, store, "alice", "ckad-aaaa")
	b := reserve(t, store, "bob", "ckad-bbbb")

	_, err := allocator.Lease(ctx, a)
	require.NoError(t, err)
	_, err = allocator.Lease(ctx, b)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(ctx, a))

	c := reserve(t, store, "carol", "ckad-cccc")
	leases, err := allocator.Lease(ctx, c)
	require.NoError(t, err)
	// the freed smallest ports come back first
	require.Equal(t, 30000, leases.API)
	require.Equal(t, 40000, leases.HTTP)
	require.Equal(t, 45000, leases.HTTPS)
}

func TestLeaseExhaustion(t *testing.T) {
	allocator, store := newTestAllocator(t, Config{
		API:   Range{First: 30000, Last: 30001},
		HTTP:  Range{First: 40000, Last: 40001},
		HTTPS: Range{First: 45000, Last: 45001},
	})
	ctx := context.Background()

	_, err := allocator.Lease(ctx, reserve(t, store, "alice", "ckad-aaaa"))
	require.NoError(t, err)
	_, err = allocator.Lease(ctx, reserve(t, store, "bob", "ckad-bbbb"))
	require.NoError(t, err)

	c := reserve(t, store, "carol", "ckad-cccc")
	_, err = allocator.Lease(ctx, c)
	require.True(t, IsExhausted(err), "expected exhaustion, got %v", err)

	// the failed lease left nothing behind
	leases, err := allocator.ForSession(ctx, c)
	require.NoError(t, err)
	require.Equal(t, Leases{}, leases)
}

func TestReleaseIsIdempotent(t *testing.T) {
	allocator, store := newTestAllocator(t, Config{})
	ctx := context.Background()

	id := reserve(t, store, "alice", "ckad-aaaa")
	_, err := allocator.Lease(ctx, id)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(ctx, id))
	require.NoError(t, allocator.Release(ctx, id))
	require.NoError(t, allocator.Release(ctx, session.NewID()))
}

func TestForSession(t *testing.T) {
	allocator, store := newTestAllocator(t, Config{})
	ctx := context.Background()

	id := reserve(t, store, "alice", "ckad-aaaa")
	leased, err := allocator.Lease(ctx, id)
	require.NoError(t, err)

	got, err := allocator.ForSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, leased, got)
}

func TestSweepOrphans(t *testing.T) {
	allocator, store := newTestAllocator(t, Config{})
	ctx := context.Background()

	live := reserve(t, store, "alice", "ckad-aaaa")
	dead := reserve(t, store, "bob", "ckad-bbbb")

	liveLeases, err := allocator.Lease(ctx, live)
	require.NoError(t, err)
	_, err = allocator.Lease(ctx, dead)
	require.NoError(t, err)

	n, err := allocator.SweepOrphans(ctx, []session.ID{live})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, err := allocator.ForSession(ctx, live)
	require.NoError(t, err)
	require.Equal(t, liveLeases, got)

	got, err = allocator.ForSession(ctx, dead)
	require.NoError(t, err)
	require.Equal(t, Leases{}, got)

	// nothing live sweeps everything
	n, err = allocator.SweepOrphans(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestConfigRejectsOverlappingRanges(t *testing.T) {
	backend, err := lite.New(context.Background(), lite.Config{Memory: true})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	_, err = NewAllocator(Config{
		Backend: backend,
		API:     Range{First: 30000, Last: 40000},
		HTTP:    Range{First: 40000, Last: 44999},
		HTTPS:   Range{First: 45000, Last: 49999},
	})
	require.Error(t, err)
}
