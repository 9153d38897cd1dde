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

// Package reaper runs the two background loops that keep the platform
// convergent: the expiry loop that times out sessions whose TTL has
// elapsed, and the orphan sweep that reconciles host resources (kind
// clusters, sandbox containers, port leases, auth ephemera) against the
// session store. Both loops are idempotent; a failure is retried on the
// next tick.
package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/sandbox"
	"github.com/kubelab/kubelab/lib/session"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentReaper)

// SessionSource reads session state from the store.
type SessionSource interface {
	ListExpired(ctx context.Context) ([]session.Session, error)
	ListActive(ctx context.Context) ([]session.Session, error)
}

// Terminator tears sessions down through the manager so teardown and
// compensation logic stays in one place.
type Terminator interface {
	Terminate(ctx context.Context, id session.ID, final session.Status) error
}

// ClusterJanitor enumerates and deletes kind clusters.
type ClusterJanitor interface {
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// SandboxJanitor enumerates and removes sandbox containers.
type SandboxJanitor interface {
	List(ctx context.Context) ([]sandbox.Sandbox, error)
	Remove(ctx context.Context, handle string) error
}

// LeaseSweeper releases port leases not held by a live session.
type LeaseSweeper interface {
	SweepOrphans(ctx context.Context, live []session.ID) (int, error)
}

// EphemeraPurger drops expired auth records.
type EphemeraPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Config configures the reaper.
type Config struct {
	Sessions  SessionSource
	Manager   Terminator
	Clusters  ClusterJanitor
	Sandboxes SandboxJanitor
	Leases    LeaseSweeper
	// Ephemera is optional; when nil the sweep skips auth cleanup.
	Ephemera EphemeraPurger
	// ClusterPrefix guards the sweep: only clusters carrying this prefix
	// are ever deleted, so unrelated kind clusters on the host survive.
	ClusterPrefix string
	// ExpireTick and SweepTick are the loop periods.
	ExpireTick time.Duration
	SweepTick  time.Duration
	// BootDelay postpones the first sweep after process start so sessions
	// mid-provisioning at boot are not mistaken for orphans.
	BootDelay time.Duration
	Clock     clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Manager == nil {
		return trace.BadParameter("missing parameter Manager")
	}
	if c.Clusters == nil {
		return trace.BadParameter("missing parameter Clusters")
	}
	if c.Sandboxes == nil {
		return trace.BadParameter("missing parameter Sandboxes")
	}
	if c.Leases == nil {
		return trace.BadParameter("missing parameter Leases")
	}
	if c.ClusterPrefix == "" {
		c.ClusterPrefix = defaults.ClusterNamePrefix
	}
	if c.ExpireTick == 0 {
		c.ExpireTick = defaults.ExpireTick
	}
	if c.SweepTick == 0 {
		c.SweepTick = defaults.SweepTick
	}
	if c.BootDelay == 0 {
		c.BootDelay = defaults.BootSweepDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reaper owns the expiry and sweep loops.
type Reaper struct {
	Config
}

// New creates a reaper.
func New(cfg Config) (*Reaper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reaper{Config: cfg}, nil
}

// Run drives both loops until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	expire := r.Clock.NewTicker(r.ExpireTick)
	defer expire.Stop()
	sweep := r.Clock.NewTicker(r.SweepTick)
	defer sweep.Stop()
	boot := r.Clock.After(r.BootDelay)

	log.InfoContext(ctx, "Reaper started",
		"expire_tick", r.ExpireTick, "sweep_tick", r.SweepTick)
	for {
		select {
		case <-expire.Chan():
			r.ExpireOnce(ctx)
		case <-boot:
			r.SweepOnce(ctx)
		case <-sweep.Chan():
			r.SweepOnce(ctx)
		case <-ctx.Done():
			log.InfoContext(ctx, "Reaper stopped")
			return
		}
	}
}

// ExpireOnce terminates every session whose TTL has elapsed. A session
// that fails to tear down stays non-terminal and is retried on the next
// tick.
func (r *Reaper) ExpireOnce(ctx context.Context) {
	expired, err := r.Sessions.ListExpired(ctx)
	if err != nil {
		log.WarnContext(ctx, "Listing expired sessions failed", "error", err)
		return
	}
	for _, sess := range expired {
		if err := r.Manager.Terminate(ctx, sess.ID, session.TimedOut); err != nil {
			log.WarnContext(ctx, "Timing out session failed, will retry",
				"session_id", sess.ID, "error", err)
			continue
		}
		log.InfoContext(ctx, "Timed out session",
			"session_id", sess.ID, "owner", sess.Owner)
	}
}

// SweepOnce reconciles host resources against the session store. Only
// resources bearing the platform prefix or label are candidates; anything
// referenced by a live session is left alone.
func (r *Reaper) SweepOnce(ctx context.Context) {
	active, err := r.Sessions.ListActive(ctx)
	if err != nil {
		log.WarnContext(ctx, "Listing active sessions failed", "error", err)
		return
	}

	liveClusters := make(map[string]bool, len(active))
	liveHandles := make(map[string]bool, len(active))
	liveIDs := make([]session.ID, 0, len(active))
	for _, sess := range active {
		liveClusters[sess.ClusterName] = true
		if sess.SandboxHandle != "" {
			liveHandles[sess.SandboxHandle] = true
		}
		liveIDs = append(liveIDs, sess.ID)
	}

	r.sweepClusters(ctx, liveClusters)
	r.sweepSandboxes(ctx, liveClusters, liveHandles)

	if n, err := r.Leases.SweepOrphans(ctx, liveIDs); err != nil {
		log.WarnContext(ctx, "Sweeping port leases failed", "error", err)
	} else if n > 0 {
		log.InfoContext(ctx, "Released orphaned port leases", "count", n)
	}

	if r.Ephemera != nil {
		if _, err := r.Ephemera.PurgeExpired(ctx); err != nil {
			log.WarnContext(ctx, "Purging auth ephemera failed", "error", err)
		}
	}
}

func (r *Reaper) sweepClusters(ctx context.Context, live map[string]bool) {
	names, err := r.Clusters.List(ctx)
	if err != nil {
		log.WarnContext(ctx, "Listing clusters failed", "error", err)
		return
	}
	for _, name := range names {
		if !strings.HasPrefix(name, r.ClusterPrefix) || live[name] {
			continue
		}
		if err := r.Clusters.Delete(ctx, name); err != nil {
			log.WarnContext(ctx, "Deleting orphaned cluster failed, will retry",
				"cluster", name, "error", err)
			continue
		}
		log.InfoContext(ctx, "Deleted orphaned cluster", "cluster", name)
	}
}

func (r *Reaper) sweepSandboxes(ctx context.Context, liveClusters, liveHandles map[string]bool) {
	boxes, err := r.Sandboxes.List(ctx)
	if err != nil {
		log.WarnContext(ctx, "Listing sandboxes failed", "error", err)
		return
	}
	for _, box := range boxes {
		if liveHandles[box.Handle] || liveClusters[box.ClusterName] {
			continue
		}
		if err := r.Sandboxes.Remove(ctx, box.Handle); err != nil {
			log.WarnContext(ctx, "Removing orphaned sandbox failed, will retry",
				"handle", box.Handle, "error", err)
			continue
		}
		log.InfoContext(ctx, "Removed orphaned sandbox",
			"handle", box.Handle, "cluster", box.ClusterName)
	}
}
