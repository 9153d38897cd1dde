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

// Package lite implements the embedded sqlite store backing sessions, port
// leases, the task catalog and authentication ephemera. The database runs
// in WAL mode with foreign keys on; deletes cascade from a session to its
// port leases and task results.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentBackend)

const (
	// defaultBusyTimeout is how long sqlite waits on a locked database
	// before reporting SQLITE_BUSY.
	defaultBusyTimeout = 10000

	// slowTransactionThreshold is only used for diagnostics.
	slowTransactionThreshold = 750
)

// Config holds the backend configuration.
type Config struct {
	// Path is the directory holding the database file.
	Path string
	// Memory, if set, opens a throwaway in-memory database. Used in tests.
	Memory bool
	// Clock is the time source, overridden in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" && !c.Memory {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Backend is a handle on the embedded store. It is safe for concurrent use.
type Backend struct {
	Config
	db *sql.DB
}

// New opens (creating if necessary) the database and applies the schema.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	// _txlock=immediate makes write transactions take the reserved lock
	// up front, so conflicting writers fail with SQLITE_BUSY at BEGIN
	// rather than at COMMIT.
	var connector string
	if cfg.Memory {
		// WAL is meaningless for in-memory databases. The single
		// connection below keeps the database alive for the backend's
		// lifetime.
		connector = "file::memory:?_foreign_keys=ON&_txlock=immediate"
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		fullPath := filepath.Join(cfg.Path, defaults.DatabaseFile)
		connector = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=ON&_txlock=immediate",
			url.PathEscape(fullPath), defaultBusyTimeout)
	}

	db, err := sql.Open("sqlite3", connector)
	if err != nil {
		return nil, trace.Wrap(err, "opening database")
	}
	// sqlite serializes writers; a single connection avoids spurious
	// SQLITE_BUSY between connections of the same process.
	db.SetMaxOpenConns(1)

	b := &Backend{Config: cfg, db: db}
	if err := b.applySchema(ctx); err != nil {
		return nil, trace.NewAggregate(err, db.Close())
	}

	log.InfoContext(ctx, "Opened sqlite store", "path", cfg.Path, "memory", cfg.Memory)
	return b, nil
}

// Clock returns the backend time source.
func (b *Backend) Clock() clockwork.Clock {
	return b.Config.Clock
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	return trace.Wrap(b.db.Close())
}

// QueryRowContext runs a single-row query outside of a transaction.
func (b *Backend) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, query, args...)
}

// QueryContext runs a multi-row query outside of a transaction.
func (b *Backend) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	return rows, trace.Wrap(err)
}

// ExecContext runs a standalone statement outside of a transaction.
func (b *Backend) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := b.db.ExecContext(ctx, query, args...)
	return res, trace.Wrap(err)
}

// InTransaction runs fn inside a transaction, committing if fn returns nil
// and rolling back otherwise. The transaction is a write transaction; no
// external operation may be performed inside fn.
func (b *Backend) InTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	start := b.Config.Clock.Now()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WarnContext(ctx, "Transaction rollback failed", "error", rbErr)
		}
		return trace.Wrap(convertError(err))
	}
	if err := tx.Commit(); err != nil {
		return trace.Wrap(convertError(err))
	}
	if elapsed := b.Config.Clock.Since(start); elapsed.Milliseconds() > slowTransactionThreshold {
		log.WarnContext(ctx, "Slow transaction", "elapsed", elapsed)
	}
	return nil
}

// IsConflictError reports whether err is a sqlite busy/locked error, i.e.
// a serialization conflict that the caller may retry.
func IsConflictError(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(trace.Unwrap(err), &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraintError reports whether err is a unique/foreign key constraint
// violation.
func IsConstraintError(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(trace.Unwrap(err), &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("not found")
	}
	if IsConstraintError(err) {
		return trace.AlreadyExists("%s", err.Error())
	}
	return err
}

func (b *Backend) applySchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return trace.Wrap(err, "applying schema")
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_unix INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		start_unix INTEGER NOT NULL,
		ttl_minutes INTEGER NOT NULL,
		extended INTEGER NOT NULL DEFAULT 0,
		cluster_name TEXT NOT NULL,
		kubeconfig_path TEXT NOT NULL DEFAULT '',
		sandbox_handle TEXT NOT NULL DEFAULT '',
		assigned_tasks TEXT NOT NULL DEFAULT '',
		completed_tasks TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT ''
	)`,
	// at most one non-terminal session per owner, and cluster names are
	// unique among non-terminal sessions
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_owner
		ON sessions (owner)
		WHERE status NOT IN ('ended', 'timed_out', 'failed')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_cluster
		ON sessions (cluster_name)
		WHERE status NOT IN ('ended', 'timed_out', 'failed')`,
	`CREATE INDEX IF NOT EXISTS sessions_status ON sessions (status)`,
	`CREATE TABLE IF NOT EXISTS port_leases (
		port INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		allocated_unix INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS port_leases_session ON port_leases (session_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		verify_spec TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS task_results (
		session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		task_id TEXT NOT NULL REFERENCES tasks (id),
		score REAL NOT NULL,
		checks_passed INTEGER NOT NULL,
		checks_total INTEGER NOT NULL,
		created_unix INTEGER NOT NULL,
		PRIMARY KEY (session_id, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_credentials (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		expires_unix INTEGER NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS refresh_credentials_owner ON refresh_credentials (owner)`,
	`CREATE TABLE IF NOT EXISTS one_time_codes (
		email TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		expires_unix INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		created_unix INTEGER NOT NULL,
		PRIMARY KEY (email, code_hash)
	)`,
}
