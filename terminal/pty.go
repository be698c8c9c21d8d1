// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Terminal is a running child process attached to a pseudoterminal.
// Read returns the child's output and io.EOF once the terminal has
// hung up; Write sends input.
type Terminal interface {
	io.Reader
	io.Writer

	// Resize sets the window size of the terminal.
	Resize(columns, rows uint16) error

	// Signal delivers signal to the child's process group.
	Signal(signal syscall.Signal) error

	// Wait blocks until the child exits. It must be called exactly
	// once. The returned status has no Sequence.
	Wait() ExitStatus

	// PID is the child's process id.
	PID() int

	// Close releases the pseudoterminal. Pending Reads return.
	Close() error
}

// Spawner starts a child process on a new terminal. Columns and rows
// in spec are always set.
type Spawner func(spec SpawnSpec) (Terminal, error)

// SpawnPTY is the default Spawner. The child runs in its own session
// with the terminal as its controlling tty.
func SpawnPTY(spec SpawnSpec) (Terminal, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	command := exec.Command(spec.Command[0], spec.Command[1:]...)
	command.Dir = spec.Dir
	command.Env = spec.Env
	if command.Env == nil {
		command.Env = append(os.Environ(), "TERM=xterm-256color")
	}

	master, err := pty.StartWithSize(command, &pty.Winsize{Cols: spec.Columns, Rows: spec.Rows})
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	return &ptyTerminal{command: command, master: master}, nil
}

type ptyTerminal struct {
	command *exec.Cmd
	master  *os.File
}

func (t *ptyTerminal) Read(buffer []byte) (int, error) {
	count, err := t.master.Read(buffer)
	// Linux reports EIO on the master once every slave descriptor
	// is closed.
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return count, err
}

func (t *ptyTerminal) Write(data []byte) (int, error) {
	return t.master.Write(data)
}

func (t *ptyTerminal) Resize(columns, rows uint16) error {
	return pty.Setsize(t.master, &pty.Winsize{Cols: columns, Rows: rows})
}

func (t *ptyTerminal) Signal(signal syscall.Signal) error {
	pid := t.command.Process.Pid
	// The child is a session leader, so its pid is also its process
	// group id. Signal the group the way a tty would.
	if err := unix.Kill(-pid, signal); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return t.command.Process.Signal(signal)
		}
		return err
	}
	return nil
}

func (t *ptyTerminal) Wait() ExitStatus {
	t.command.Wait()
	state := t.command.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}
	}
	status := ExitStatus{Code: state.ExitCode()}
	if waitStatus, ok := state.Sys().(syscall.WaitStatus); ok && waitStatus.Signaled() {
		status.Signal = int(waitStatus.Signal())
	}
	return status
}

func (t *ptyTerminal) PID() int { return t.command.Process.Pid }

func (t *ptyTerminal) Close() error { return t.master.Close() }
