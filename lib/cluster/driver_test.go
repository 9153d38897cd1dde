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
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// scriptedRunner fakes the kind binary: it records invocations and
// writes a kubeconfig on create, the way kind does.
type scriptedRunner struct {
	mu        sync.Mutex
	calls     [][]string
	createErr error
	listOut   string
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))

	switch args[0] {
	case "create":
		if r.createErr != nil {
			return []byte("ERROR: failed"), r.createErr
		}
		clusterName := argAfter(args, "--name")
		kubeconfig := argAfter(args, "--kubeconfig")
		return nil, os.WriteFile(kubeconfig, []byte(testKubeconfig(clusterName)), 0o600)
	case "delete":
		return nil, nil
	case "get":
		return []byte(r.listOut), nil
	}
	return nil, errors.New("unexpected command")
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func testKubeconfig(name string) string {
	return `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://0.0.0.0:30000
  name: kind-` + name + `
contexts:
- context:
    cluster: kind-` + name + `
    user: kind-` + name + `
  name: kind-` + name + `
current-context: kind-` + name + `
users:
- name: kind-` + name + `
  user: {}
`
}

func newTestDriver(t *testing.T, runner *scriptedRunner, ready ReadyCheckFunc) *Driver {
	t.Helper()
	if ready == nil {
		ready = func(ctx context.Context, kubeconfigPath string) error { return nil }
	}
	driver, err := NewDriver(Config{
		WorkDir:    t.TempDir(),
		Runner:     runner,
		ReadyCheck: ready,
	})
	require.NoError(t, err)
	return driver
}

func TestCreateRendersSpecAndRewritesKubeconfig(t *testing.T) {
	runner := &scriptedRunner{}
	driver := newTestDriver(t, runner, nil)
	ctx := context.Background()

	kubeconfigPath, took, err := driver.Create(ctx, "ckad-aaaa", Ports{
		API: 30000, HTTP: 40000, HTTPS: 45000,
	})
	require.NoError(t, err)
	require.Equal(t, driver.KubeconfigPath("ckad-aaaa"), kubeconfigPath)
	require.GreaterOrEqual(t, took.Nanoseconds(), int64(0))

	// the spec kind consumed is a valid one-node cluster with the three
	// port mappings
	specData, err := os.ReadFile(driver.SpecPath("ckad-aaaa"))
	require.NoError(t, err)
	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(specData, &spec))
	require.Equal(t, "Cluster", spec["kind"])
	require.Equal(t, "kind.x-k8s.io/v1alpha4", spec["apiVersion"])
	require.Equal(t, "ckad-aaaa", spec["name"])
	require.Contains(t, string(specData), "apiServerPort: 30000")
	require.Contains(t, string(specData), "hostPort: 40000")
	require.Contains(t, string(specData), "hostPort: 45000")
	require.Contains(t, string(specData), "system-reserved: memory=256Mi")

	// the wildcard server address was rewritten to loopback, port kept
	kubeconfig, err := os.ReadFile(kubeconfigPath)
	require.NoError(t, err)
	require.Contains(t, string(kubeconfig), "https://127.0.0.1:30000")
	require.NotContains(t, string(kubeconfig), "0.0.0.0")

	info, err := os.Stat(kubeconfigPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCreateRejectsUnprefixedName(t *testing.T) {
	runner := &scriptedRunner{}
	driver := newTestDriver(t, runner, nil)

	_, _, err := driver.Create(context.Background(), "mycluster", Ports{
		API: 30000, HTTP: 40000, HTTPS: 45000,
	})
	require.Error(t, err)
	require.Empty(t, runner.calls)
}

func TestCreateCleansUpOnFailure(t *testing.T) {
	runner := &scriptedRunner{createErr: errors.New("docker not running")}
	driver := newTestDriver(t, runner, nil)

	_, _, err := driver.Create(context.Background(), "ckad-aaaa", Ports{
		API: 30000, HTTP: 40000, HTTPS: 45000,
	})
	require.Error(t, err)

	// a delete followed the failed create, and no artifacts remain
	var sawDelete bool
	for _, call := range runner.calls {
		if call[1] == "delete" {
			sawDelete = true
		}
	}
	require.True(t, sawDelete)
	_, statErr := os.Stat(driver.SpecPath("ckad-aaaa"))
	require.True(t, os.IsNotExist(statErr))
}

func TestCreateFailsWhenNeverReady(t *testing.T) {
	runner := &scriptedRunner{}
	notReady := func(ctx context.Context, kubeconfigPath string) error {
		return errors.New("0 of 3 system pods running")
	}
	driver, err := NewDriver(Config{
		WorkDir:               t.TempDir(),
		Runner:                runner,
		ReadyCheck:            notReady,
		ReadinessTimeout:      50 * time.Millisecond,
		ReadinessPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, _, err = driver.Create(context.Background(), "ckad-aaaa", Ports{
		API: 30000, HTTP: 40000, HTTPS: 45000,
	})
	require.Error(t, err)

	var nre *NotReadyError
	require.ErrorAs(t, err, &nre)
	require.Equal(t, "ckad-aaaa", nre.Name)
	require.Contains(t, nre.Error(), "system pods")
}

func TestDeleteIsIdempotent(t *testing.T) {
	runner := &scriptedRunner{}
	driver := newTestDriver(t, runner, nil)
	ctx := context.Background()

	_, _, err := driver.Create(ctx, "ckad-aaaa", Ports{API: 30000, HTTP: 40000, HTTPS: 45000})
	require.NoError(t, err)

	require.NoError(t, driver.Delete(ctx, "ckad-aaaa"))
	require.NoError(t, driver.Delete(ctx, "ckad-aaaa"))
}

func TestListParsesKindOutput(t *testing.T) {
	runner := &scriptedRunner{listOut: "ckad-aaaa\nckad-bbbb\nother\n"}
	driver := newTestDriver(t, runner, nil)

	names, err := driver.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ckad-aaaa", "ckad-bbbb", "other"}, names)
}

func TestListEmptyOutput(t *testing.T) {
	runner := &scriptedRunner{listOut: "No kind clusters found.\n"}
	driver := newTestDriver(t, runner, nil)

	names, err := driver.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestPortsCheck(t *testing.T) {
	require.NoError(t, Ports{API: 30000, HTTP: 40000, HTTPS: 45000}.Check())
	require.Error(t, Ports{API: 0, HTTP: 40000, HTTPS: 45000}.Check())
	require.Error(t, Ports{API: 30000, HTTP: 30000, HTTPS: 45000}.Check())
}

func TestServerIsLoopback(t *testing.T) {
	require.True(t, serverIsLoopback("https://127.0.0.1:30000"))
	require.True(t, serverIsLoopback("https://localhost:30000"))
	require.False(t, serverIsLoopback("https://0.0.0.0:30000"))
}

func TestRenderSpecStable(t *testing.T) {
	a, err := renderSpec("ckad-aaaa", Ports{API: 30000, HTTP: 40000, HTTPS: 45000})
	require.NoError(t, err)
	b, err := renderSpec("ckad-aaaa", Ports{API: 30000, HTTP: 40000, HTTPS: 45000})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(string(a), "kind: Cluster"))
}
