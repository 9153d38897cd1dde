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

package kubelab

// ComponentKey is the name of the attribute that carries the component name
// in structured log records.
const ComponentKey = "component"

const (
	// ComponentManager is the session manager, the owner of the session
	// creation and teardown pipelines.
	ComponentManager = "manager"

	// ComponentPorts is the transactional host port allocator.
	ComponentPorts = "ports"

	// ComponentCluster is the kind cluster driver.
	ComponentCluster = "cluster"

	// ComponentSandbox is the docker sandbox driver.
	ComponentSandbox = "sandbox"

	// ComponentGateway is the PTY-over-websocket terminal gateway.
	ComponentGateway = "gateway"

	// ComponentReaper is the TTL and orphan reconciler.
	ComponentReaper = "reaper"

	// ComponentBackend is the embedded sqlite store.
	ComponentBackend = "backend"

	// ComponentAuth is the identity and credential subsystem.
	ComponentAuth = "auth"

	// ComponentService is the process composition root.
	ComponentService = "service"
)

// Version is the kubelab release version.
const Version = "0.7.0"
