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

// Command kubelabd runs the kubelab session orchestrator.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/config"
	"github.com/kubelab/kubelab/lib/service"
)

func main() {
	app := kingpin.New("kubelabd", "Kubelab session orchestrator: leases short-lived single-node Kubernetes practice environments.")
	app.Version(kubelab.Version)

	start := app.Command("start", "Start the orchestrator.").Default()
	configPath := start.Flag("config", "Path to the YAML configuration file.").
		Short('c').Default("/etc/kubelab.yaml").String()
	dataDir := start.Flag("data-dir", "Directory for the database, cluster specs and kubeconfigs.").String()
	listenAddr := start.Flag("listen-addr", "HTTP bind address.").String()
	debug := start.Flag("debug", "Enable debug logging.").Short('d').Bool()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	switch cmd {
	case start.FullCommand():
		if err := run(*configPath, *dataDir, *listenAddr, *debug); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	}
}

func run(configPath, dataDir, listenAddr string, debug bool) error {
	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return err
	}
	if err := fc.ApplyEnv(); err != nil {
		return err
	}
	// flags win over file and environment
	if dataDir != "" {
		fc.DataDir = dataDir
	}
	if listenAddr != "" {
		fc.ListenAddr = listenAddr
	}
	if debug {
		fc.LogLevel = "debug"
	}

	ctx := context.Background()
	svc, err := service.New(ctx, fc)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
