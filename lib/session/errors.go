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

import "errors"

// ErrActiveSessionExists is returned when an owner who already holds a
// non-terminal session attempts to start another one.
var ErrActiveSessionExists = errors.New("owner already has an active session")

// ErrAtCapacity is returned when the global active session cap is reached.
var ErrAtCapacity = errors.New("platform is at capacity")

// ErrAlreadyExtended is returned on a second extension attempt; the
// extension is one-shot.
var ErrAlreadyExtended = errors.New("session has already been extended")

// ErrNotActive is returned when an operation requires a Running session.
var ErrNotActive = errors.New("session is not active")

// ErrInvalidTransition is returned when a status update would move the
// state machine backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid session status transition")
