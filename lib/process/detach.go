// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// DetachAttributes returns process attributes that start a child in a
// new session, so it has no controlling terminal and is not signalled
// with its parent's process group.
func DetachAttributes() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// RedirectDiagnostics opens path for appending (mode 0600, created if
// missing) and duplicates it onto file descriptors 1 and 2. The
// returned file is the log; os.Stdout and os.Stderr now write to it as
// well.
func RedirectDiagnostics(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening diagnostic log: %w", err)
	}
	for _, target := range []int{1, 2} {
		if err := unix.Dup3(int(file.Fd()), target, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("redirecting fd %d to %s: %w", target, path, err)
		}
	}
	return file, nil
}

// Harden ignores SIGPIPE and SIGHUP. Writes to a vanished peer then
// fail with EPIPE instead of killing the process, and a hangup from a
// terminal the process once had is not fatal.
func Harden() {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
}
