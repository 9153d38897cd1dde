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
	"net/url"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"k8s.io/client-go/tools/clientcmd"
)

// RewriteServerToLoopback loads the kubeconfig at path and rewrites every
// cluster server URL whose host is the wildcard bind address to loopback.
// The API server certificate kind issues is valid for 127.0.0.1, not for
// 0.0.0.0, so the file is unusable without this rewrite. The file is
// written back readable only by the process owner.
func RewriteServerToLoopback(path string) error {
	cfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return trace.Wrap(err, "loading kubeconfig %s", path)
	}

	for _, c := range cfg.Clusters {
		u, err := url.Parse(c.Server)
		if err != nil {
			return trace.Wrap(err, "parsing server URL %q", c.Server)
		}
		if u.Hostname() != "0.0.0.0" {
			continue
		}
		host := "127.0.0.1"
		if port := u.Port(); port != "" {
			host += ":" + port
		}
		u.Host = host
		c.Server = u.String()
	}

	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		return trace.Wrap(err, "writing kubeconfig %s", path)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// serverIsLoopback is a helper for tests and diagnostics.
func serverIsLoopback(server string) bool {
	u, err := url.Parse(server)
	if err != nil {
		return false
	}
	return u.Hostname() == "127.0.0.1" || strings.EqualFold(u.Hostname(), "localhost")
}
