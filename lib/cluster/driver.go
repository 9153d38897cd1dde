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

// Package cluster drives single-node kubernetes-in-docker clusters via the
// kind CLI: it renders a cluster spec with the session's host port
// mappings, waits for the control plane to become ready, and emits a
// kubeconfig rewritten to address the API server over loopback.
package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentCluster)

// Ports are the host ports mapped into the cluster container.
type Ports struct {
	// API is mapped to the API server (container port 6443).
	API int
	// HTTP is mapped to ingress port 80.
	HTTP int
	// HTTPS is mapped to ingress port 443.
	HTTPS int
}

// Check validates the mapping.
func (p Ports) Check() error {
	if p.API <= 0 || p.HTTP <= 0 || p.HTTPS <= 0 {
		return trace.BadParameter("incomplete port mapping %+v", p)
	}
	if p.API == p.HTTP || p.API == p.HTTPS || p.HTTP == p.HTTPS {
		return trace.BadParameter("duplicate ports in mapping %+v", p)
	}
	return nil
}

// CommandRunner executes an external command and returns its combined
// output. Extracted so driver tests never shell out.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), trace.Wrap(err, "%s %s: %s",
			name, strings.Join(args, " "), strings.TrimSpace(buf.String()))
	}
	return buf.Bytes(), nil
}

// NotReadyError is returned when a created cluster does not pass the
// readiness predicate within the readiness budget.
type NotReadyError struct {
	// Name is the cluster that failed readiness.
	Name string
	// Err is the last probe error, if any.
	Err error
}

// Error implements the error interface.
func (e *NotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cluster %s did not become ready: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("cluster %s did not become ready before the deadline", e.Name)
}

// Config configures the driver.
type Config struct {
	// WorkDir holds the rendered cluster specs and kubeconfigs, keyed by
	// cluster name.
	WorkDir string
	// KindPath is the kind binary, "kind" by default.
	KindPath string
	// Runner executes external commands. Defaults to ExecRunner.
	Runner CommandRunner
	// ReadyCheck probes a kubeconfig for readiness. Defaults to the
	// client-go predicate in readiness.go.
	ReadyCheck ReadyCheckFunc
	// Clock is the time source, overridden in tests.
	Clock clockwork.Clock
	// ReadinessTimeout bounds the whole readiness poll.
	ReadinessTimeout time.Duration
	// ReadinessPollInterval is the pause between probes.
	ReadinessPollInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.WorkDir == "" {
		return trace.BadParameter("missing parameter WorkDir")
	}
	if c.KindPath == "" {
		c.KindPath = "kind"
	}
	if c.Runner == nil {
		c.Runner = ExecRunner{}
	}
	if c.ReadyCheck == nil {
		c.ReadyCheck = CheckReady
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = defaults.ReadinessTimeout
	}
	if c.ReadinessPollInterval == 0 {
		c.ReadinessPollInterval = defaults.ReadinessPollInterval
	}
	return nil
}

// Driver creates and deletes kind clusters. The driver is stateless: all
// cluster state lives in dockerd and under WorkDir.
type Driver struct {
	Config
}

// NewDriver creates a cluster driver.
func NewDriver(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Driver{Config: cfg}, nil
}

// SpecPath returns the deterministic location of the rendered cluster
// spec for the named cluster.
func (d *Driver) SpecPath(name string) string {
	return filepath.Join(d.WorkDir, name+"-spec.yaml")
}

// KubeconfigPath returns the deterministic location of the kubeconfig for
// the named cluster.
func (d *Driver) KubeconfigPath(name string) string {
	return filepath.Join(d.WorkDir, name+"-kubeconfig")
}

// Create provisions a ready cluster and returns the kubeconfig path and
// how long creation took. On any failure the half-created cluster and its
// artifacts are deleted before the error is returned: Create leaves no
// residue.
func (d *Driver) Create(ctx context.Context, name string, ports Ports) (string, time.Duration, error) {
	if !strings.HasPrefix(name, defaults.ClusterNamePrefix) {
		return "", 0, trace.BadParameter("cluster name %q lacks the %q prefix",
			name, defaults.ClusterNamePrefix)
	}
	if err := ports.Check(); err != nil {
		return "", 0, trace.Wrap(err)
	}

	start := d.Clock.Now()
	kubeconfigPath, err := d.create(ctx, name, ports)
	if err != nil {
		// best-effort teardown of whatever was created; the original
		// error wins
		if delErr := d.Delete(context.WithoutCancel(ctx), name); delErr != nil {
			log.WarnContext(ctx, "Cleanup after failed create also failed",
				"cluster", name, "error", delErr)
		}
		return "", 0, trace.Wrap(err)
	}

	elapsed := d.Clock.Since(start)
	log.InfoContext(ctx, "Cluster ready", "cluster", name, "elapsed", elapsed)
	return kubeconfigPath, elapsed, nil
}

func (d *Driver) create(ctx context.Context, name string, ports Ports) (string, error) {
	spec, err := renderSpec(name, ports)
	if err != nil {
		return "", trace.Wrap(err)
	}
	specPath := d.SpecPath(name)
	if err := os.WriteFile(specPath, spec, 0o600); err != nil {
		return "", trace.ConvertSystemError(err)
	}

	kubeconfigPath := d.KubeconfigPath(name)
	if _, err := d.Runner.Run(ctx, d.KindPath,
		"create", "cluster",
		"--name", name,
		"--config", specPath,
		"--kubeconfig", kubeconfigPath,
		"--wait", "0s",
	); err != nil {
		return "", trace.Wrap(err, "creating cluster %s", name)
	}

	// The API server binds the wildcard address inside the container but
	// its serving certificate is only valid for loopback, and clients on
	// this host (including the sandbox via the mapped port) reach it
	// through loopback. Rewrite before anything consumes the file.
	if err := RewriteServerToLoopback(kubeconfigPath); err != nil {
		return "", trace.Wrap(err)
	}

	if err := d.waitReady(ctx, name, kubeconfigPath); err != nil {
		return "", trace.Wrap(err)
	}
	return kubeconfigPath, nil
}

// waitReady polls the readiness predicate until it passes or the
// readiness budget is spent.
func (d *Driver) waitReady(ctx context.Context, name, kubeconfigPath string) error {
	ctx, cancel := context.WithTimeout(ctx, d.ReadinessTimeout)
	defer cancel()

	retry, err := utils.NewConstant(d.ReadinessPollInterval)
	if err != nil {
		return trace.Wrap(err)
	}
	retry.Clock = d.Clock

	var lastErr error
	err = retry.For(ctx, func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, defaults.ReadinessRequestTimeout)
		defer probeCancel()
		if err := d.ReadyCheck(probeCtx, kubeconfigPath); err != nil {
			lastErr = err
			log.DebugContext(ctx, "Cluster not ready yet", "cluster", name, "error", err)
			return trace.Wrap(err)
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(&NotReadyError{Name: name, Err: lastErr})
	}
	return nil
}

// Delete tears down the named cluster and its artifacts. It is idempotent
// and succeeds even when the cluster is half-created or already gone.
func (d *Driver) Delete(ctx context.Context, name string) error {
	if _, err := d.Runner.Run(ctx, d.KindPath,
		"delete", "cluster", "--name", name,
	); err != nil {
		return trace.Wrap(err, "deleting cluster %s", name)
	}
	var errs []error
	for _, p := range []string{d.SpecPath(name), d.KubeconfigPath(name)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, trace.ConvertSystemError(err))
		}
	}
	if len(errs) > 0 {
		return trace.NewAggregate(errs...)
	}
	log.InfoContext(ctx, "Deleted cluster", "cluster", name)
	return nil
}

// List enumerates existing kind clusters. This is the ground truth used
// by the reaper's orphan sweep.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	out, err := d.Runner.Run(ctx, d.KindPath, "get", "clusters")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		// kind prints this when nothing exists
		if line == "" || strings.HasPrefix(line, "No kind clusters") {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}
