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

package cluster

import (
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// kubeletPatch reserves memory for system daemons and sets the hard
// eviction threshold, so a runaway workload cannot starve the node agent.
const kubeletPatch = `kind: InitConfiguration
nodeRegistration:
  kubeletExtraArgs:
    system-reserved: memory=256Mi
    eviction-hard: memory.available<100Mi
`

type clusterSpec struct {
	Kind       string     `yaml:"kind"`
	APIVersion string     `yaml:"apiVersion"`
	Name       string     `yaml:"name"`
	Networking networking `yaml:"networking"`
	Nodes      []node     `yaml:"nodes"`
}

type networking struct {
	APIServerAddress string `yaml:"apiServerAddress"`
	APIServerPort    int    `yaml:"apiServerPort"`
}

type node struct {
	Role                 string        `yaml:"role"`
	KubeadmConfigPatches []string      `yaml:"kubeadmConfigPatches,omitempty"`
	ExtraPortMappings    []portMapping `yaml:"extraPortMappings,omitempty"`
}

type portMapping struct {
	ContainerPort int    `yaml:"containerPort"`
	HostPort      int    `yaml:"hostPort"`
	Protocol      string `yaml:"protocol"`
}

// renderSpec produces the kind cluster config for a single control-plane
// node with the session's three host port mappings (6443→api, 80→http,
// 443→https).
func renderSpec(name string, ports Ports) ([]byte, error) {
	spec := clusterSpec{
		Kind:       "Cluster",
		APIVersion: "kind.x-k8s.io/v1alpha4",
		Name:       name,
		Networking: networking{
			APIServerAddress: "0.0.0.0",
			APIServerPort:    ports.API,
		},
		Nodes: []node{{
			Role:                 "control-plane",
			KubeadmConfigPatches: []string{kubeletPatch},
			ExtraPortMappings: []portMapping{
				{ContainerPort: 80, HostPort: ports.HTTP, Protocol: "TCP"},
				{ContainerPort: 443, HostPort: ports.HTTPS, Protocol: "TCP"},
			},
		}},
	}
	out, err := yaml.Marshal(spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
