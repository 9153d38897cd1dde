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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubelab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/kubelab
listen_addr: 0.0.0.0:8080
log_level: debug
sessions:
  max_concurrent: 16
  ttl_minutes: 90
cluster:
  kind_path: /usr/local/bin/kind
sandbox:
  image: kubelab/sandbox:v2
ports:
  api:
    lo: 31000
    hi: 31999
`), 0o600))

	fc, err := ReadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, fc.CheckAndSetDefaults())

	require.Equal(t, "/srv/kubelab", fc.DataDir)
	require.Equal(t, "0.0.0.0:8080", fc.ListenAddr)
	require.Equal(t, "debug", fc.LogLevel)
	require.Equal(t, 16, fc.Sessions.MaxConcurrent)
	require.Equal(t, 90, fc.Sessions.TTLMinutes)
	require.Equal(t, "/usr/local/bin/kind", fc.Cluster.KindPath)
	require.Equal(t, "kubelab/sandbox:v2", fc.Sandbox.Image)
	require.Equal(t, PortRange{Lo: 31000, Hi: 31999}, fc.Ports.API)

	// unset knobs got defaults
	require.Equal(t, 30, fc.Sessions.ExtensionMinutes)
	require.Equal(t, 3, fc.Sessions.StartsPerHour)
}

func TestMissingFileIsEmptyConfig(t *testing.T) {
	fc, err := ReadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.NoError(t, fc.CheckAndSetDefaults())

	require.Equal(t, "/var/lib/kubelab", fc.DataDir)
	require.Equal(t, "127.0.0.1:3080", fc.ListenAddr)
	require.Equal(t, "info", fc.LogLevel)
	require.Equal(t, 8, fc.Sessions.MaxConcurrent)
	require.Equal(t, 60, fc.Sessions.TTLMinutes)
	require.Equal(t, "kind", fc.Cluster.KindPath)
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubelab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0o600))

	_, err := ReadFromFile(path)
	require.Error(t, err)
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("KUBELAB_DATA_DIR", "/env/kubelab")
	t.Setenv("KUBELAB_MAX_CONCURRENT", "32")
	t.Setenv("KUBELAB_SESSION_TTL_MINUTES", "45")

	fc := &FileConfig{DataDir: "/file/kubelab"}
	require.NoError(t, fc.ApplyEnv())
	require.NoError(t, fc.CheckAndSetDefaults())

	require.Equal(t, "/env/kubelab", fc.DataDir)
	require.Equal(t, 32, fc.Sessions.MaxConcurrent)
	require.Equal(t, 45, fc.Sessions.TTLMinutes)
}

func TestApplyEnvRejectsBadInteger(t *testing.T) {
	t.Setenv("KUBELAB_MAX_CONCURRENT", "many")

	fc := &FileConfig{}
	require.Error(t, fc.ApplyEnv())
}

func TestUnknownLogLevel(t *testing.T) {
	fc := &FileConfig{LogLevel: "verbose"}
	require.Error(t, fc.CheckAndSetDefaults())
}
