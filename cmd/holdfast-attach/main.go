// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// holdfast-attach connects the current terminal to a holdfast session.
//
// By default it attaches as a viewer: output is shown, keystrokes are
// not sent. --coordinator takes over the session's input and window
// size, displacing any previous coordinator. Detach with Ctrl-], or
// by closing the terminal; the session keeps running either way.
//
//	holdfast-attach --session <id>
//	holdfast-attach --socket /run/user/1000/holdfast/holdfast-<id>.sock --coordinator
//	holdfast-attach --list
//	holdfast-attach --new --coordinator -- htop
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/holdfast/lib/config"
	"github.com/bureau-foundation/holdfast/lib/process"
	"github.com/bureau-foundation/holdfast/lib/registry"
	"github.com/bureau-foundation/holdfast/lib/runpath"
	"github.com/bureau-foundation/holdfast/lib/service"
	"github.com/bureau-foundation/holdfast/lib/version"
	"github.com/bureau-foundation/holdfast/supervisor"
	"github.com/bureau-foundation/holdfast/terminal"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

const controlTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath  string
	socketPath  string
	sessionID   string
	coordinator bool
	resume      int64
	list        bool
	create      bool
	label       string
	showVersion bool
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("holdfast-attach", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&opts.socketPath, "socket", "", "session socket to attach to")
	flagSet.StringVar(&opts.sessionID, "session", "", "session id to attach to, resolved under the configured run directory")
	flagSet.BoolVar(&opts.coordinator, "coordinator", false, "attach as coordinator (send input and resize)")
	flagSet.Int64Var(&opts.resume, "resume", -1, "first output sequence number to replay (default: everything retained)")
	flagSet.BoolVar(&opts.list, "list", false, "list sessions known to the supervisor and exit")
	flagSet.BoolVar(&opts.create, "new", false, "ask the supervisor to create a session running the remaining arguments, then attach")
	flagSet.StringVar(&opts.label, "label", "", "label for a session created with --new")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("holdfast-attach %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if opts.socketPath != "" && !opts.list && !opts.create {
		return attach(opts, opts.socketPath, logger)
	}

	cfg, err := config.Resolve(opts.configPath)
	if err != nil {
		return err
	}
	control := service.NewClient(runpath.ControlSocket(cfg.Paths.RunDir, cfg.Supervisor.Prefix))

	switch {
	case opts.list:
		return listSessions(control)
	case opts.create:
		rec, err := createSession(control, flagSet.Args(), opts.label)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "created session %s\r\n", rec.SessionID)
		return attach(opts, rec.SocketPath, logger)
	case opts.sessionID != "":
		return attach(opts, runpath.SessionSocket(cfg.Paths.RunDir, cfg.Supervisor.Prefix, opts.sessionID), logger)
	default:
		return fmt.Errorf("one of --session, --socket, --list or --new is required")
	}
}

func listSessions(control *service.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	var result supervisor.ListResult
	if err := control.Call(ctx, supervisor.ActionList, nil, &result); err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result.Sessions)
}

func createSession(control *service.Client, command []string, label string) (registry.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	fields := map[string]any{}
	if len(command) > 0 {
		fields["command"] = command
	}
	if label != "" {
		fields["label"] = label
	}
	if columns, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		fields["columns"] = columns
		fields["rows"] = rows
	}
	var rec registry.Record
	if err := control.Call(ctx, supervisor.ActionCreate, fields, &rec); err != nil {
		return registry.Record{}, err
	}
	return rec, nil
}

// attach runs an interactive session until the daemon disconnects or
// the user detaches.
func attach(opts options, socketPath string, logger *slog.Logger) error {
	dialOptions := terminal.DialOptions{
		Role:   terminal.RoleViewer,
		Logger: logger,
		OnData: func(output terminal.Output) {
			os.Stdout.Write(output.Data)
		},
		OnExit: func(status terminal.ExitStatus) {
			fmt.Fprintf(os.Stderr, "\r\n[process exited: code %d]\r\n", status.Code)
		},
	}
	if opts.coordinator {
		dialOptions.Role = terminal.RoleCoordinator
	}
	if opts.resume >= 0 {
		resumeFrom := uint64(opts.resume)
		dialOptions.ResumeFrom = &resumeFrom
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	client, err := terminal.Dial(ctx, socketPath, dialOptions)
	cancel()
	if err != nil {
		return fmt.Errorf("attaching to %s: %w", socketPath, err)
	}
	defer client.Close()
	if client.Ack().Gap {
		fmt.Fprintf(os.Stderr, "[history truncated: replay starts at %d]\r\n", client.Ack().Oldest)
	}

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("setting terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGWINCH)
	defer signal.Stop(signals)

	if opts.coordinator {
		resize(client, logger)
	}

	detached := make(chan struct{})
	if opts.coordinator {
		go func() {
			defer close(detached)
			forwardInput(client, os.Stdin, logger)
		}()
	} else {
		go func() {
			defer close(detached)
			waitForDetach(os.Stdin)
		}()
	}

	for {
		select {
		case <-client.Done():
			if err := client.Err(); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			fmt.Fprintf(os.Stderr, "\r\n[disconnected]\r\n")
			return nil
		case <-detached:
			return nil
		case received := <-signals:
			if received == syscall.SIGWINCH {
				if opts.coordinator {
					resize(client, logger)
				}
				continue
			}
			return nil
		}
	}
}

func resize(client *terminal.Client, logger *slog.Logger) {
	columns, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || columns <= 0 || rows <= 0 {
		return
	}
	if err := client.Resize(uint16(columns), uint16(rows)); err != nil {
		logger.Warn("resize failed", "error", err)
	}
}

// forwardInput copies keystrokes to the session until stdin ends or
// the detach key is pressed.
func forwardInput(client *terminal.Client, input io.Reader, logger *slog.Logger) {
	buffer := make([]byte, 4096)
	for {
		count, err := input.Read(buffer)
		if count > 0 {
			chunk := buffer[:count]
			index := bytes.IndexByte(chunk, detachKey)
			if index >= 0 {
				chunk = chunk[:index]
			}
			if len(chunk) > 0 {
				if _, err := client.Write(chunk); err != nil {
					logger.Warn("sending input failed", "error", err)
					return
				}
			}
			if index >= 0 {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// waitForDetach discards viewer keystrokes until the detach key or the
// end of input.
func waitForDetach(input io.Reader) {
	buffer := make([]byte, 256)
	for {
		count, err := input.Read(buffer)
		if bytes.IndexByte(buffer[:count], detachKey) >= 0 || err != nil {
			return
		}
	}
}
