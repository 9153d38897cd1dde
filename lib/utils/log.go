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

package utils

import (
	"io"
	"log/slog"
	"os"
)

// NewPackageLogger creates a logger carrying the given component attribute.
func NewPackageLogger(componentKey, component string) *slog.Logger {
	return slog.Default().With(componentKey, component)
}

// InitLogger configures the process-wide default logger.
func InitLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// InitLoggerForTests mutes the default logger unless verbose test output
// is requested via KUBELAB_DEBUG_TESTS.
func InitLoggerForTests() {
	if os.Getenv("KUBELAB_DEBUG_TESTS") != "" {
		InitLogger(slog.LevelDebug)
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}
