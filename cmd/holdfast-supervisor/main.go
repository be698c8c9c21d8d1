// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// holdfast-supervisor keeps track of detached terminal sessions.
//
// On startup it reconciles the session registry against the sockets
// that actually answer, re-attaching as coordinator to live sessions
// and removing dead ones, then serves the control socket
// (<run-dir>/<prefix>-control.sock) with the actions status, list,
// create and destroy. The control socket is up during reconciliation
// and answers "reconciling" to everything but status until it ends.
//
// Stopping the supervisor never stops a session: daemons run in their
// own process sessions and the next supervisor picks them up.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/holdfast/lib/config"
	"github.com/bureau-foundation/holdfast/lib/process"
	"github.com/bureau-foundation/holdfast/lib/registry"
	"github.com/bureau-foundation/holdfast/lib/runpath"
	"github.com/bureau-foundation/holdfast/lib/service"
	"github.com/bureau-foundation/holdfast/lib/version"
	"github.com/bureau-foundation/holdfast/supervisor"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("holdfast-supervisor", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("holdfast-supervisor %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	sessionBinary, err := cfg.BinaryPath(cfg.Supervisor.SessionBinary)
	if err != nil {
		return err
	}

	store, err := registry.Open(registry.Config{Path: cfg.Paths.Registry, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	sessionSupervisor, err := supervisor.New(supervisor.Config{
		Registry:     store,
		RunDir:       cfg.Paths.RunDir,
		Prefix:       cfg.Supervisor.Prefix,
		DaemonBinary: sessionBinary,
		Parallelism:  cfg.Supervisor.Parallelism,
		ProbeTimeout: cfg.Supervisor.ProbeTimeout,
		StartTimeout: cfg.Supervisor.StartTimeout,
		Defaults: supervisor.CreateRequest{
			Command:        cfg.Session.Command,
			Columns:        cfg.Session.Columns,
			Rows:           cfg.Session.Rows,
			RestartOnExit:  cfg.Session.RestartOnExit,
			ExitLinger:     cfg.Session.ExitLinger,
			RingBufferSize: cfg.Session.RingBufferSize,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer sessionSupervisor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controlPath := runpath.ControlSocket(cfg.Paths.RunDir, cfg.Supervisor.Prefix)
	server := service.NewSocketServer(controlPath, logger)
	sessionSupervisor.RegisterActions(server)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	logger.Info("supervisor starting",
		"version", version.Info(),
		"run_dir", cfg.Paths.RunDir,
		"registry", cfg.Paths.Registry,
		"control_socket", controlPath,
	)

	if _, err := sessionSupervisor.Reconcile(ctx); err != nil && ctx.Err() == nil {
		logger.Error("reconciliation failed", "error", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := <-serveDone; err != nil {
			logger.Error("control socket error", "error", err)
		}
	case err := <-serveDone:
		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
	}
	return nil
}
