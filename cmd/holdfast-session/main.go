// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// holdfast-session is the detached daemon behind one terminal session.
// It owns a pseudoterminal and the process on it, and serves the
// session protocol on a unix socket until it is told to stop or the
// process exits and its linger period ends.
//
// The supervisor starts it with:
//
//	holdfast-session --spec <run-dir>/<prefix>-<id>.spec
//
// in a new session with stdio on /dev/null. The daemon appends its
// JSON log, and anything written to stdout or stderr, to
// <run-dir>/<prefix>-<id>.log. SIGTERM and SIGINT shut it down; SIGHUP
// and SIGPIPE are ignored so a lost terminal or peer never kills it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/holdfast/lib/process"
	"github.com/bureau-foundation/holdfast/lib/runpath"
	"github.com/bureau-foundation/holdfast/lib/specfile"
	"github.com/bureau-foundation/holdfast/lib/version"
	"github.com/bureau-foundation/holdfast/terminal"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		specPath    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("holdfast-session", pflag.ContinueOnError)
	flagSet.StringVar(&specPath, "spec", "", "path to the session spec file written by the supervisor")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("holdfast-session %s\n", version.Info())
		return nil
	}
	if specPath == "" {
		return fmt.Errorf("--spec is required")
	}

	process.Harden()

	spec, err := specfile.Read(specPath)
	if err != nil {
		return err
	}

	logFile, err := process.RedirectDiagnostics(runpath.LogPath(spec.SocketPath))
	if err != nil {
		return err
	}
	defer logFile.Close()

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("session daemon starting",
		"session_id", spec.SessionID,
		"socket_path", spec.SocketPath,
		"command", spec.Spawn.Command,
		"version", version.Info(),
		"pid", os.Getpid(),
	)

	daemon, err := terminal.Start(terminal.Config{
		SessionID:      spec.SessionID,
		SocketPath:     spec.SocketPath,
		Spawn:          spec.Spawn,
		RestartOnExit:  spec.RestartOnExit,
		ExitLinger:     spec.ExitLinger,
		RingBufferSize: spec.RingBufferSize,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("starting session failed", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- daemon.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveDone:
		if err != nil {
			logger.Error("serving session socket failed", "error", err)
			daemon.Shutdown()
			return err
		}
	case <-daemon.Done():
	}

	daemon.Shutdown()
	logger.Info("session daemon exiting")
	return nil
}
