// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package specfile hands a session's launch parameters from the
// supervisor to a detached session daemon.
//
// The supervisor writes the file next to the session socket before it
// starts the daemon; the daemon reads it at startup. The file is
// written atomically (temporary file, fsync, rename, fsync of the
// directory), so a daemon never sees a partial spec even if the
// supervisor dies mid-write. The supervisor removes the file when it
// marks the session dead.
package specfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/holdfast/lib/codec"
	"github.com/bureau-foundation/holdfast/terminal"
)

// Spec is everything a session daemon needs to start.
type Spec struct {
	SessionID  string `cbor:"session_id"`
	SocketPath string `cbor:"socket_path"`

	Spawn terminal.SpawnSpec `cbor:"spawn"`

	RestartOnExit  bool          `cbor:"restart_on_exit,omitempty"`
	RingBufferSize int           `cbor:"ring_buffer_size,omitempty"`
	ExitLinger     time.Duration `cbor:"exit_linger,omitempty"`

	Label string `cbor:"label,omitempty"`
}

// Validate checks the fields a daemon cannot start without.
func (s Spec) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("spec has no session id")
	}
	if s.SocketPath == "" {
		return fmt.Errorf("spec for session %s has no socket path", s.SessionID)
	}
	if err := s.Spawn.Validate(); err != nil {
		return fmt.Errorf("spec for session %s: %w", s.SessionID, err)
	}
	return nil
}

// Write atomically writes spec to path with mode 0600. The parent
// directory must exist.
func Write(path string, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	data, err := codec.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding spec: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary spec file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary spec file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary spec file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary spec file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming spec file into place: %w", err)
	}

	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Read parses the spec at path. A missing file returns an error
// wrapping os.ErrNotExist.
func Read(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := codec.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parsing spec file %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, fmt.Errorf("spec file %s: %w", path, err)
	}
	return spec, nil
}

// Remove deletes the spec at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing spec file: %w", err)
	}
	return nil
}
