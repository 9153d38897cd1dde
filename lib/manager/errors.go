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
	"errors"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/kubelab/kubelab/lib/auth"
	"github.com/kubelab/kubelab/lib/ports"
	"github.com/kubelab/kubelab/lib/session"
)

// ErrRateLimited is returned when an owner exceeds the session start
// budget.
var ErrRateLimited = errors.New("session start rate limit exceeded")

// ErrDraining is returned when the process is shutting down and no new
// sessions are admitted.
var ErrDraining = errors.New("not accepting new sessions")

// Provisioning steps, used in ProvisioningError and in error kinds.
const (
	StepCluster   = "cluster"
	StepSandbox   = "sandbox"
	StepReadiness = "readiness"
)

// ProvisioningError wraps an external driver failure during session
// creation. The session has been fully compensated by the time it is
// returned; the caller may retry the whole start.
type ProvisioningError struct {
	// Step is which driver failed: cluster, sandbox or readiness.
	Step string
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

// Unwrap supports errors.Is / errors.As.
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Stable error-kind identifiers surfaced to the HTTP collaborator.
const (
	KindValidation        = "validation"
	KindUnauthenticated   = "unauthenticated"
	KindCredentialExpired = "credential_expired"
	KindCredentialInvalid = "credential_invalid"
	KindForbidden         = "forbidden"
	KindNotFound          = "not_found"
	KindConflict          = "conflict"
	KindConflictActive    = "conflict.active"
	KindAlreadyExtended   = "already_extended"
	KindAtCapacity        = "at_capacity"
	KindRateLimited       = "rate_limited"
	KindInternal          = "internal"
)

// KindOf maps an error to its stable kind string. Unknown errors map to
// internal; messages surfaced alongside the kind never include stack
// traces or filesystem paths.
func KindOf(err error) string {
	var exhausted *ports.ExhaustedError
	var provisioning *ProvisioningError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrActiveSessionExists):
		return KindConflictActive
	case errors.Is(err, session.ErrAlreadyExtended):
		return KindAlreadyExtended
	case errors.Is(err, session.ErrAtCapacity):
		return KindAtCapacity
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrDraining):
		return KindRateLimited
	case errors.Is(err, auth.ErrCredentialExpired):
		return KindCredentialExpired
	case errors.Is(err, auth.ErrCredentialInvalid):
		return KindCredentialInvalid
	case errors.As(err, &exhausted):
		return fmt.Sprintf("exhausted.%s", exhausted.Kind)
	case errors.As(err, &provisioning):
		return fmt.Sprintf("provisioning.%s", provisioning.Step)
	case trace.IsAlreadyExists(err):
		return KindConflict
	case trace.IsNotFound(err):
		return KindNotFound
	case trace.IsAccessDenied(err):
		return KindForbidden
	case trace.IsBadParameter(err):
		return KindValidation
	default:
		return KindInternal
	}
}
