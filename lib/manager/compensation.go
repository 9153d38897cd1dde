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

	"github.com/gravitational/trace"
)

// compensator is the paired undo of one completed creation step.
type compensator struct {
	name string
	undo func(ctx context.Context) error
}

// compensation is a stack of undo operations. Steps register their
// compensator after they succeed; on any later failure the stack is
// unwound in reverse order.
type compensation struct {
	stack []compensator
}

// push registers the undo for a completed step.
func (c *compensation) push(name string, undo func(ctx context.Context) error) {
	c.stack = append(c.stack, compensator{name: name, undo: undo})
}

// unwind runs all registered compensators newest-first. Every compensator
// runs regardless of earlier failures; the errors are aggregated so the
// caller can log them without masking the failure that triggered the
// unwind.
func (c *compensation) unwind(ctx context.Context) error {
	var errs []error
	for i := len(c.stack) - 1; i >= 0; i-- {
		comp := c.stack[i]
		if err := comp.undo(ctx); err != nil {
			errs = append(errs, trace.Wrap(err, "compensating %s", comp.name))
		}
	}
	c.stack = nil
	return trace.NewAggregate(errs...)
}
