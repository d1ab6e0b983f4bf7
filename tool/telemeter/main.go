/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
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

// Command telemeter runs the experiment telemetry service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/config"
	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("telemeter", "Experiment telemetry ingest and conversion service.")
	app.HelpFlag.Short('h')

	start := app.Command("start", "Start the telemeter service.")
	configPath := start.Flag("config", fmt.Sprintf("Path to the config file. Defaults to %v, overridable with the %v environment variable.", defaults.ConfigFilePath, defaults.ConfigEnvar)).
		Short('c').Envar(defaults.ConfigEnvar).String()
	diagAddr := start.Flag("diag-addr", "Start the diagnostics (metrics, pprof) listener on this address.").String()

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *diagAddr))
	case version.FullCommand():
		fmt.Printf("Telemeter v%v %v\n", telemeter.Version, runtime.Version())
		return nil
	}
	return nil
}

func onStart(configPath, diagAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if diagAddr != "" {
		cfg.DiagAddr = diagAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return trace.Wrap(service.Run(ctx, *cfg))
}
