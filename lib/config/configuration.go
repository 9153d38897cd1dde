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

// Package config reads the kubelabd configuration: a YAML file overlaid
// with KUBELAB_* environment variables, overlaid with command line flags
// by the caller. Every knob has a default, so an empty config is valid.
package config

import (
	"os"
	"strconv"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/kubelab/kubelab/lib/defaults"
)

// FileConfig mirrors the YAML configuration file.
type FileConfig struct {
	// DataDir holds the sqlite database, cluster specs and kubeconfigs.
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `yaml:"listen_addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// SigningKeyFile holds the credential signing key.
	SigningKeyFile string `yaml:"signing_key_file"`

	Sessions SessionsConfig `yaml:"sessions"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Ports    PortsConfig    `yaml:"ports"`
}

// SessionsConfig tunes admission and lifetime.
type SessionsConfig struct {
	MaxConcurrent    int `yaml:"max_concurrent"`
	TTLMinutes       int `yaml:"ttl_minutes"`
	ExtensionMinutes int `yaml:"extension_minutes"`
	StartsPerHour    int `yaml:"starts_per_hour"`
}

// ClusterConfig tunes the kind cluster driver.
type ClusterConfig struct {
	KindPath string `yaml:"kind_path"`
}

// SandboxConfig tunes the sandbox driver.
type SandboxConfig struct {
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
}

// PortRange is an inclusive host port range.
type PortRange struct {
	Lo int `yaml:"lo"`
	Hi int `yaml:"hi"`
}

// PortsConfig overrides the host port ranges.
type PortsConfig struct {
	API   PortRange `yaml:"api"`
	HTTP  PortRange `yaml:"http"`
	HTTPS PortRange `yaml:"https"`
}

// ReadFromFile loads the YAML configuration file. A missing path returns
// an empty config rather than an error so kubelabd runs with defaults.
func ReadFromFile(path string) (*FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fc, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse %v: %v", path, err)
	}
	return &fc, nil
}

// ApplyEnv overlays KUBELAB_* environment variables onto the config.
// Environment wins over the file.
func (fc *FileConfig) ApplyEnv() error {
	setString(&fc.DataDir, "KUBELAB_DATA_DIR")
	setString(&fc.ListenAddr, "KUBELAB_LISTEN_ADDR")
	setString(&fc.LogLevel, "KUBELAB_LOG_LEVEL")
	setString(&fc.SigningKeyFile, "KUBELAB_SIGNING_KEY_FILE")
	setString(&fc.Sandbox.Image, "KUBELAB_SANDBOX_IMAGE")
	setString(&fc.Sandbox.Network, "KUBELAB_SANDBOX_NETWORK")
	setString(&fc.Cluster.KindPath, "KUBELAB_KIND_PATH")
	if err := setInt(&fc.Sessions.MaxConcurrent, "KUBELAB_MAX_CONCURRENT"); err != nil {
		return trace.Wrap(err)
	}
	if err := setInt(&fc.Sessions.TTLMinutes, "KUBELAB_SESSION_TTL_MINUTES"); err != nil {
		return trace.Wrap(err)
	}
	if err := setInt(&fc.Sessions.ExtensionMinutes, "KUBELAB_EXTENSION_MINUTES"); err != nil {
		return trace.Wrap(err)
	}
	if err := setInt(&fc.Sessions.StartsPerHour, "KUBELAB_STARTS_PER_HOUR"); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.DataDir == "" {
		fc.DataDir = "/var/lib/kubelab"
	}
	if fc.ListenAddr == "" {
		fc.ListenAddr = "127.0.0.1:3080"
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
	switch fc.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("unknown log level %q", fc.LogLevel)
	}
	if fc.Sessions.MaxConcurrent == 0 {
		fc.Sessions.MaxConcurrent = defaults.MaxConcurrent
	}
	if fc.Sessions.MaxConcurrent < 0 {
		return trace.BadParameter("max_concurrent must be positive")
	}
	if fc.Sessions.TTLMinutes == 0 {
		fc.Sessions.TTLMinutes = defaults.SessionTTLMinutes
	}
	if fc.Sessions.ExtensionMinutes == 0 {
		fc.Sessions.ExtensionMinutes = defaults.ExtensionMinutes
	}
	if fc.Sessions.StartsPerHour == 0 {
		fc.Sessions.StartsPerHour = defaults.SessionStartsPerHour
	}
	if fc.Cluster.KindPath == "" {
		fc.Cluster.KindPath = "kind"
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return trace.BadParameter("%v: expected integer, got %q", key, v)
	}
	*dst = n
	return nil
}
