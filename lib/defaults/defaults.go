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

// Package defaults holds the tunables of the kubelab orchestrator in a
// single place, exactly like the values recognized by the configuration
// file and the KUBELAB_ environment overrides.
package defaults

import "time"

const (
	// MaxConcurrent is the global cap on active (non-terminal) sessions.
	MaxConcurrent = 8

	// SessionTTLMinutes is the time budget of a fresh session.
	SessionTTLMinutes = 60

	// ExtensionMinutes is the one-shot TTL extension granted by extend.
	ExtensionMinutes = 30

	// AssignedTaskCount is how many practice tasks are dealt to a new
	// session from the catalog.
	AssignedTaskCount = 20
)

// Host port ranges, one disjoint range per lease kind. The ranges are
// inclusive on both ends.
const (
	PortRangeAPIFirst  = 30000
	PortRangeAPILast   = 39999
	PortRangeHTTPFirst = 40000
	PortRangeHTTPLast  = 44999
	// PortRangeHTTPSFirst begins the ingress TLS range.
	PortRangeHTTPSFirst = 45000
	PortRangeHTTPSLast  = 49999
)

// Sandbox resource caps.
const (
	// SandboxMemoryBytes caps sandbox memory at 512MiB.
	SandboxMemoryBytes = 512 * 1024 * 1024

	// SandboxCPU is the vCPU equivalent available to a sandbox.
	SandboxCPU = 0.5

	// SandboxPidsLimit caps the number of processes inside a sandbox.
	SandboxPidsLimit = 100

	// SandboxTmpBytes is the size of the writable /tmp tmpfs.
	SandboxTmpBytes = 100 * 1024 * 1024
)

// Rate limits.
const (
	// SessionStartsPerHour is the per-owner session start budget.
	SessionStartsPerHour = 3

	// AuthAttemptsPerMinute limits login and refresh attempts.
	AuthAttemptsPerMinute = 10

	// GeneralRequestsPerMinute limits all other API traffic.
	GeneralRequestsPerMinute = 100
)

const (
	// ClusterCreateTimeout bounds the whole kind create, readiness
	// included.
	ClusterCreateTimeout = 180 * time.Second

	// ClusterDeleteTimeout bounds a kind delete.
	ClusterDeleteTimeout = 60 * time.Second

	// ReadinessTimeout bounds the readiness poll after kind reports the
	// cluster up.
	ReadinessTimeout = 120 * time.Second

	// ReadinessPollInterval is the pause between readiness probes.
	ReadinessPollInterval = 2 * time.Second

	// ReadinessRequestTimeout bounds a single readiness API call.
	ReadinessRequestTimeout = 15 * time.Second

	// SandboxCreateTimeout bounds sandbox container creation.
	SandboxCreateTimeout = 30 * time.Second

	// SandboxStopTimeout is the graceful stop budget before the sandbox
	// is killed.
	SandboxStopTimeout = 10 * time.Second

	// ExpireTick is the period of the reaper TTL loop.
	ExpireTick = 30 * time.Second

	// SweepTick is the period of the reaper orphan sweep.
	SweepTick = 5 * time.Minute

	// BootSweepDelay delays the first orphan sweep after process start so
	// the store has settled.
	BootSweepDelay = 5 * time.Second

	// HeartbeatInterval is the gateway ping period. A connection missing
	// two consecutive pongs is terminated.
	HeartbeatInterval = 30 * time.Second

	// ShutdownGrace is how long the process waits for gateway connections
	// to drain on termination.
	ShutdownGrace = 5 * time.Second
)

const (
	// ClusterNamePrefix prefixes every cluster provisioned by kubelab.
	// The reaper only ever touches clusters carrying this prefix.
	ClusterNamePrefix = "ckad-"

	// SandboxLabel marks sandbox containers as kubelab-owned so the
	// sweep can enumerate them.
	SandboxLabel = "kubelab.session"

	// DatabaseFile is the sqlite file name under the data directory.
	DatabaseFile = "kubelab.db"
)
