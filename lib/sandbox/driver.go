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

// Package sandbox materializes the per-session tool container: a
// resource-capped, non-root docker container on the cluster's container
// network, with kubectl preinstalled and the session kubeconfig mounted
// read-only. It also hands out PTYs into running sandboxes via the docker
// exec API.
package sandbox

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/gravitational/trace"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentSandbox)

// kubeconfigMountPath is where the session kubeconfig appears inside the
// sandbox.
const kubeconfigMountPath = "/home/student/.kube/config"

// DockerClient is the subset of the docker API the driver uses. The
// production implementation is *client.Client.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Sandbox describes one sandbox container.
type Sandbox struct {
	// Handle is the container id.
	Handle string
	// ClusterName is the session cluster the sandbox belongs to.
	ClusterName string
}

// Config configures the driver.
type Config struct {
	// Docker is the docker API client.
	Docker DockerClient
	// Image is the sandbox image carrying the cluster CLI tools.
	Image string
	// Network is the container network shared with kind clusters.
	Network string
	// User is the non-root identity processes run as.
	User string
	// MemoryBytes, CPU and PidsLimit are the resource caps.
	MemoryBytes int64
	CPU         float64
	PidsLimit   int64
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Docker == nil {
		docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return trace.Wrap(err, "creating docker client")
		}
		c.Docker = docker
	}
	if c.Image == "" {
		c.Image = "kubelab/sandbox:latest"
	}
	if c.Network == "" {
		c.Network = "kind"
	}
	if c.User == "" {
		c.User = "1000:1000"
	}
	if c.MemoryBytes == 0 {
		c.MemoryBytes = defaults.SandboxMemoryBytes
	}
	if c.CPU == 0 {
		c.CPU = defaults.SandboxCPU
	}
	if c.PidsLimit == 0 {
		c.PidsLimit = defaults.SandboxPidsLimit
	}
	return nil
}

// Driver creates, removes and enumerates sandboxes.
type Driver struct {
	Config
}

// NewDriver creates a sandbox driver.
func NewDriver(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Driver{Config: cfg}, nil
}

// Create starts a sandbox for the named cluster with the kubeconfig
// mounted read-only and returns its handle. A sandbox that fails to start
// is removed before the error is returned.
func (d *Driver) Create(ctx context.Context, clusterName, kubeconfigPath string) (string, error) {
	pidsLimit := d.PidsLimit
	resp, err := d.Docker.ContainerCreate(ctx,
		&container.Config{
			Image: d.Image,
			User:  d.User,
			// the idle process keeps the sandbox alive until the session
			// manager removes it
			Cmd: []string{"sleep", "infinity"},
			Env: []string{
				"KUBECONFIG=" + kubeconfigMountPath,
				"TERM=xterm-256color",
			},
			Labels: map[string]string{
				defaults.SandboxLabel: clusterName,
			},
		},
		&container.HostConfig{
			NetworkMode:    container.NetworkMode(d.Network),
			ReadonlyRootfs: true,
			SecurityOpt:    []string{"no-new-privileges"},
			Tmpfs: map[string]string{
				"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%d", defaults.SandboxTmpBytes),
			},
			Mounts: []mount.Mount{{
				Type:     mount.TypeBind,
				Source:   kubeconfigPath,
				Target:   kubeconfigMountPath,
				ReadOnly: true,
			}},
			Resources: container.Resources{
				Memory:    d.MemoryBytes,
				NanoCPUs:  int64(d.CPU * 1e9),
				PidsLimit: &pidsLimit,
			},
		},
		nil, nil, clusterName+"-sandbox")
	if err != nil {
		return "", trace.Wrap(err, "creating sandbox for %s", clusterName)
	}

	if err := d.Docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.Remove(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			log.WarnContext(ctx, "Removing half-started sandbox failed",
				"handle", resp.ID, "error", rmErr)
		}
		return "", trace.Wrap(err, "starting sandbox for %s", clusterName)
	}

	log.InfoContext(ctx, "Sandbox running", "cluster", clusterName, "handle", resp.ID)
	return resp.ID, nil
}

// Remove stops and deletes the sandbox. The stop is graceful with a 10s
// budget, then the container is killed. Removing an unknown handle is a
// no-op.
func (d *Driver) Remove(ctx context.Context, handle string) error {
	stopSeconds := int(defaults.SandboxStopTimeout.Seconds())
	err := d.Docker.ContainerStop(ctx, handle, container.StopOptions{Timeout: &stopSeconds})
	if err != nil && !errdefs.IsNotFound(err) {
		// fall through to the forced remove
		log.DebugContext(ctx, "Graceful sandbox stop failed", "handle", handle, "error", err)
	}
	err = d.Docker.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return trace.Wrap(err, "removing sandbox %s", handle)
	}
	log.InfoContext(ctx, "Removed sandbox", "handle", handle)
	return nil
}

// List enumerates all kubelab sandboxes, running or not. This is the
// ground truth used by the reaper's orphan sweep.
func (d *Driver) List(ctx context.Context) ([]Sandbox, error) {
	summaries, err := d.Docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", defaults.SandboxLabel)),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]Sandbox, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, Sandbox{
			Handle:      s.ID,
			ClusterName: s.Labels[defaults.SandboxLabel],
		})
	}
	return out, nil
}
