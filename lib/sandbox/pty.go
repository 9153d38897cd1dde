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

package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/gravitational/trace"
)

// exitPollInterval is how often Wait re-inspects the exec after the
// stream has ended but the process has not been reaped yet.
const exitPollInterval = 250 * time.Millisecond

// PTY is an interactive shell running inside a sandbox, exposed as a
// bidirectional byte stream plus a resize control channel and an exit
// code.
type PTY struct {
	driver *Driver
	execID string
	hijack hijackedStream

	closeOnce sync.Once
}

// hijackedStream is the part of types.HijackedResponse the PTY uses.
type hijackedStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// hijackAdapter exposes a types.HijackedResponse as a hijackedStream.
type hijackAdapter struct {
	resp types.HijackedResponse
}

func (h hijackAdapter) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h hijackAdapter) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h hijackAdapter) Close() error                { h.resp.Close(); return nil }

// OpenPTY starts a login shell inside the sandbox with the given initial
// geometry and returns the attached PTY. The shell environment carries
// the terminal type and geometry.
func (d *Driver) OpenPTY(ctx context.Context, handle string, cols, rows int) (*PTY, error) {
	if cols <= 0 || rows <= 0 {
		return nil, trace.BadParameter("bad terminal dimensions %dx%d", cols, rows)
	}
	exec, err := d.Docker.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd: []string{"/bin/bash", "--login"},
		Env: []string{
			"TERM=xterm-256color",
			fmt.Sprintf("COLUMNS=%d", cols),
			fmt.Sprintf("LINES=%d", rows),
		},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, trace.Wrap(err, "creating exec in sandbox %s", handle)
	}

	attach, err := d.Docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, trace.Wrap(err, "attaching to exec %s", exec.ID)
	}

	pty := &PTY{
		driver: d,
		execID: exec.ID,
		hijack: hijackAdapter{attach},
	}
	if err := pty.Resize(ctx, cols, rows); err != nil {
		// not fatal, the exec may not have fully started yet; the
		// gateway re-sends geometry on its first resize frame
		log.DebugContext(ctx, "Initial PTY resize failed", "exec_id", exec.ID, "error", err)
	}
	return pty, nil
}

// Read reads output bytes produced by the shell. With a TTY attached the
// stream is not multiplexed, so the bytes come straight through.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.hijack.Read(buf)
}

// Write delivers input bytes to the shell.
func (p *PTY) Write(buf []byte) (int, error) {
	return p.hijack.Write(buf)
}

// Resize adjusts the PTY geometry.
func (p *PTY) Resize(ctx context.Context, cols, rows int) error {
	err := p.driver.Docker.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
	return trace.Wrap(err)
}

// Close detaches from the shell. It does not remove the sandbox; the
// session stays usable and a new PTY may be opened until the session
// ends.
func (p *PTY) Close() error {
	p.closeOnce.Do(func() {
		p.hijack.Close()
	})
	return nil
}

// Wait blocks until the shell exits and returns its exit code. Callers
// normally invoke it after Read returned io.EOF.
func (p *PTY) Wait(ctx context.Context) (int, error) {
	for {
		inspect, err := p.driver.Docker.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-time.After(exitPollInterval):
		case <-ctx.Done():
			return 0, trace.Wrap(ctx.Err())
		}
	}
}
