// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/holdfast/lib/process"
)

// Launcher starts and stops session daemons.
type Launcher interface {
	// Launch starts a daemon for the spec file at specPath and returns
	// its process id. It returns once the process exists, not once the
	// daemon is accepting.
	Launch(ctx context.Context, specPath string) (int, error)

	// Terminate asks the daemon with the given pid to shut down. A
	// process that no longer exists is not an error.
	Terminate(pid int) error
}

// ExecLauncher runs Binary --spec <path> as a detached process in its
// own session, with stdio on /dev/null. The daemon redirects its own
// diagnostics to the session log.
type ExecLauncher struct {
	Binary string
	Logger *slog.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, specPath string) (int, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	// Not CommandContext: the daemon must outlive ctx.
	cmd := exec.Command(l.Binary, "--spec", specPath)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = process.DetachAttributes()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", l.Binary, err)
	}

	pid := cmd.Process.Pid
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	// Reap the child if it exits while this supervisor is alive. After
	// a supervisor restart init inherits it.
	go func() {
		err := cmd.Wait()
		logger.Info("session daemon exited", "pid", pid, "error", err)
	}()
	return pid, nil
}

func (l *ExecLauncher) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signaling daemon %d: %w", pid, err)
	}
	return nil
}
