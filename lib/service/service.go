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

// Package service is the composition root of kubelabd: it wires the
// store, drivers, manager, gateway, API server and reaper together and
// owns process lifecycle, including graceful shutdown. In-flight
// sessions deliberately survive a restart; the boot sweep reconciles
// them against the host.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/auth"
	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/cluster"
	"github.com/kubelab/kubelab/lib/config"
	"github.com/kubelab/kubelab/lib/defaults"
	"github.com/kubelab/kubelab/lib/manager"
	"github.com/kubelab/kubelab/lib/ports"
	"github.com/kubelab/kubelab/lib/reaper"
	"github.com/kubelab/kubelab/lib/sandbox"
	"github.com/kubelab/kubelab/lib/session"
	"github.com/kubelab/kubelab/lib/tasks"
	"github.com/kubelab/kubelab/lib/utils"
	"github.com/kubelab/kubelab/lib/web"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentService)

// Service is a fully wired kubelabd process.
type Service struct {
	cfg     *config.FileConfig
	backend *lite.Backend
	manager *manager.Manager
	gateway *web.Gateway
	reaper  *reaper.Reaper
	server  *http.Server
}

// New builds the process from configuration.
func New(ctx context.Context, fc *config.FileConfig) (*Service, error) {
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	utils.InitLogger(logLevel(fc.LogLevel))

	if err := os.MkdirAll(fc.DataDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	backend, err := lite.New(ctx, lite.Config{
		Path: fc.DataDir,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	store := session.NewStore(backend)

	allocator, err := ports.NewAllocator(ports.Config{
		Backend: backend,
		API:     portRange(fc.Ports.API),
		HTTP:    portRange(fc.Ports.HTTP),
		HTTPS:   portRange(fc.Ports.HTTPS),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	clusters, err := cluster.NewDriver(cluster.Config{
		WorkDir:  filepath.Join(fc.DataDir, "clusters"),
		KindPath: fc.Cluster.KindPath,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sandboxes, err := sandbox.NewDriver(sandbox.Config{
		Image:   fc.Sandbox.Image,
		Network: fc.Sandbox.Network,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	catalog := tasks.NewCatalog(backend)

	signingKey, err := loadOrCreateSigningKey(fc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tokens, err := auth.NewTokenService(auth.Config{
		Backend:    backend,
		SigningKey: signingKey,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	mgr, err := manager.NewManager(manager.Config{
		Store:            store,
		Ports:            allocator,
		Cluster:          clusters,
		Sandbox:          sandboxes,
		Tasks:            catalog,
		MaxConcurrent:    fc.Sessions.MaxConcurrent,
		TTLMinutes:       fc.Sessions.TTLMinutes,
		ExtensionMinutes: fc.Sessions.ExtensionMinutes,
		StartsPerHour:    fc.Sessions.StartsPerHour,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	gateway, err := web.NewGateway(web.GatewayConfig{
		Identity: tokens,
		Sessions: store,
		PTY:      ptyOpener{driver: sandboxes},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	api, err := web.NewAPIServer(web.APIConfig{
		Manager:  mgr,
		Tokens:   tokens,
		Notifier: auth.LogNotifier{},
		Sessions: store,
		Tasks:    catalog,
		Gateway:  gateway,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	rpr, err := reaper.New(reaper.Config{
		Sessions:  store,
		Manager:   mgr,
		Clusters:  clusters,
		Sandboxes: sandboxes,
		Leases:    allocator,
		Ephemera:  tokens,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Service{
		cfg:     fc,
		backend: backend,
		manager: mgr,
		gateway: gateway,
		reaper:  rpr,
		server: &http.Server{
			Addr:    fc.ListenAddr,
			Handler: api,
		},
	}, nil
}

// Run serves until the context is cancelled or a termination signal
// arrives, then drains: admission stops, gateway connections are told
// the server is going away, and the HTTP server gets a short grace
// period. Live sessions are left running for the next boot to adopt.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaperCtx, cancelReaper := context.WithCancel(ctx)
	defer cancelReaper()
	go s.reaper.Run(reaperCtx)

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "Kubelab listening",
			"addr", s.cfg.ListenAddr, "version", kubelab.Version)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "Shutting down")
	s.manager.SetDraining()
	s.gateway.Shutdown(context.WithoutCancel(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.ShutdownGrace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WarnContext(ctx, "HTTP shutdown failed", "error", err)
	}
	cancelReaper()

	if err := s.backend.Close(); err != nil {
		log.WarnContext(ctx, "Closing backend failed", "error", err)
	}
	return nil
}

// ptyOpener adapts the sandbox driver to the gateway's PTY interface.
type ptyOpener struct {
	driver *sandbox.Driver
}

func (p ptyOpener) OpenPTY(ctx context.Context, handle string, cols, rows int) (web.PTYStream, error) {
	pty, err := p.driver.OpenPTY(ctx, handle, cols, rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pty, nil
}

// loadOrCreateSigningKey reads the credential signing key, minting and
// persisting one on first boot so credentials survive restarts.
func loadOrCreateSigningKey(fc *config.FileConfig) ([]byte, error) {
	path := fc.SigningKeyFile
	if path == "" {
		path = filepath.Join(fc.DataDir, "signing.key")
	}
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) < 32 {
			return nil, trace.BadParameter("signing key %v is too short", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, trace.ConvertSystemError(err)
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	log.Info("Minted new credential signing key", "path", path)
	return key, nil
}

func portRange(r config.PortRange) ports.Range {
	return ports.Range{First: r.Lo, Last: r.Hi}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
