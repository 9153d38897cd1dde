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

// Package ports implements the transactional host port allocator. Each
// session leases exactly one port from each of three disjoint ranges
// (cluster API, ingress HTTP, ingress HTTPS) inside a single write
// transaction, so concurrent starts can never double-book a port.
package ports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gravitational/trace"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/session"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentPorts)

// Kind identifies which range a lease belongs to.
type Kind string

const (
	// KindAPI is the kubernetes API server port range.
	KindAPI Kind = "api"
	// KindIngressHTTP is the ingress HTTP port range.
	KindIngressHTTP Kind = "ingress_http"
	// KindIngressHTTPS is the ingress HTTPS port range.
	KindIngressHTTPS Kind = "ingress_https"
)

// Range is an inclusive range of host TCP ports.
type Range struct {
	First int
	Last  int
}

// Check validates the range.
func (r Range) Check() error {
	if r.First <= 0 || r.Last < r.First {
		return trace.BadParameter("invalid port range %d-%d", r.First, r.Last)
	}
	return nil
}

// Contains reports whether p falls inside the range.
func (r Range) Contains(p int) bool {
	return p >= r.First && p <= r.Last
}

// ExhaustedError is returned when a range has no free port left.
type ExhaustedError struct {
	// Kind is the exhausted range.
	Kind Kind
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no free %s ports", e.Kind)
}

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Leases is the triple of ports held by one session.
type Leases struct {
	// API is the host port mapped to the cluster API server.
	API int `json:"api"`
	// HTTP is the host port mapped to ingress port 80.
	HTTP int `json:"http"`
	// HTTPS is the host port mapped to ingress port 443.
	HTTPS int `json:"https"`
}

// Config configures the allocator.
type Config struct {
	// Backend is the embedded store holding the lease table.
	Backend *lite.Backend
	// API, HTTP and HTTPS are the three disjoint ranges.
	API   Range
	HTTP  Range
	HTTPS Range
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.API == (Range{}) {
		c.API = Range{First: defaults.PortRangeAPIFirst, Last: defaults.PortRangeAPILast}
	}
	if c.HTTP == (Range{}) {
		c.HTTP = Range{First: defaults.PortRangeHTTPFirst, Last: defaults.PortRangeHTTPLast}
	}
	if c.HTTPS == (Range{}) {
		c.HTTPS = Range{First: defaults.PortRangeHTTPSFirst, Last: defaults.PortRangeHTTPSLast}
	}
	for _, r := range []Range{c.API, c.HTTP, c.HTTPS} {
		if err := r.Check(); err != nil {
			return trace.Wrap(err)
		}
	}
	// the three ranges must not overlap
	pairs := [][2]Range{{c.API, c.HTTP}, {c.API, c.HTTPS}, {c.HTTP, c.HTTPS}}
	for _, p := range pairs {
		if p[0].First <= p[1].Last && p[1].First <= p[0].Last {
			return trace.BadParameter("port ranges %v and %v overlap", p[0], p[1])
		}
	}
	return nil
}

// Allocator hands out and reclaims port leases. It is stateless apart
// from the lease table; concurrent use is serialized by the store.
type Allocator struct {
	Config
}

// NewAllocator creates an allocator with the given configuration.
func NewAllocator(cfg Config) (*Allocator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Allocator{Config: cfg}, nil
}

// Lease allocates one port of each kind for the session in a single
// transaction, choosing the smallest free port of each range. A
// serialization conflict is retried once before being surfaced.
func (a *Allocator) Lease(ctx context.Context, id session.ID) (Leases, error) {
	leases, err := a.lease(ctx, id)
	if err != nil && lite.IsConflictError(err) {
		log.DebugContext(ctx, "Lease transaction conflicted, retrying once",
			"session_id", id)
		leases, err = a.lease(ctx, id)
	}
	if err != nil {
		return Leases{}, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Leased ports", "session_id", id,
		"api", leases.API, "http", leases.HTTP, "https", leases.HTTPS)
	return leases, nil
}

func (a *Allocator) lease(ctx context.Context, id session.ID) (Leases, error) {
	var out Leases
	now := a.Backend.Clock().Now().Unix()
	err := a.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		for _, alloc := range []struct {
			kind Kind
			rng  Range
			dst  *int
		}{
			{KindAPI, a.API, &out.API},
			{KindIngressHTTP, a.HTTP, &out.HTTP},
			{KindIngressHTTPS, a.HTTPS, &out.HTTPS},
		} {
			port, err := smallestFree(ctx, tx, alloc.rng)
			if err != nil {
				return trace.Wrap(err)
			}
			if port == 0 {
				return trace.Wrap(&ExhaustedError{Kind: alloc.kind})
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO port_leases (port, session_id, kind, allocated_unix)
				 VALUES (?, ?, ?, ?)`,
				port, id.String(), string(alloc.kind), now); err != nil {
				return trace.Wrap(err)
			}
			*alloc.dst = port
		}
		return nil
	})
	if err != nil {
		return Leases{}, trace.Wrap(err)
	}
	return out, nil
}

// smallestFree returns the smallest unleased port in the range, or zero if
// the range is exhausted. Must run inside the lease transaction.
func smallestFree(ctx context.Context, tx *sql.Tx, r Range) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT port FROM port_leases WHERE port BETWEEN ? AND ? ORDER BY port`,
		r.First, r.Last)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	defer rows.Close()

	candidate := r.First
	for rows.Next() {
		var leased int
		if err := rows.Scan(&leased); err != nil {
			return 0, trace.Wrap(err)
		}
		if leased != candidate {
			break
		}
		candidate++
	}
	if err := rows.Err(); err != nil {
		return 0, trace.Wrap(err)
	}
	if candidate > r.Last {
		return 0, nil
	}
	return candidate, nil
}

// Release drops all leases held by the session. It is idempotent.
func (a *Allocator) Release(ctx context.Context, id session.ID) error {
	_, err := a.Backend.ExecContext(ctx,
		`DELETE FROM port_leases WHERE session_id = ?`, id.String())
	if err != nil {
		return trace.Wrap(err)
	}
	log.DebugContext(ctx, "Released ports", "session_id", id)
	return nil
}

// ForSession returns the session's current leases.
func (a *Allocator) ForSession(ctx context.Context, id session.ID) (Leases, error) {
	rows, err := a.Backend.QueryContext(ctx,
		`SELECT port, kind FROM port_leases WHERE session_id = ?`, id.String())
	if err != nil {
		return Leases{}, trace.Wrap(err)
	}
	defer rows.Close()

	var out Leases
	for rows.Next() {
		var (
			port int
			kind string
		)
		if err := rows.Scan(&port, &kind); err != nil {
			return Leases{}, trace.Wrap(err)
		}
		switch Kind(kind) {
		case KindAPI:
			out.API = port
		case KindIngressHTTP:
			out.HTTP = port
		case KindIngressHTTPS:
			out.HTTPS = port
		}
	}
	return out, trace.Wrap(rows.Err())
}

// SweepOrphans deletes leases not backed by a live session and returns
// how many were removed.
func (a *Allocator) SweepOrphans(ctx context.Context, live []session.ID) (int, error) {
	query := `DELETE FROM port_leases`
	args := make([]any, 0, len(live))
	if len(live) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(live)), ", ")
		query += ` WHERE session_id NOT IN (` + placeholders + `)`
		for _, id := range live {
			args = append(args, id.String())
		}
	}
	res, err := a.Backend.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if n > 0 {
		log.InfoContext(ctx, "Swept orphaned port leases", "count", n)
	}
	return int(n), nil
}
