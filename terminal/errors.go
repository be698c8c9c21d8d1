// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocolViolation is matched (errors.Is) by every *ProtocolError.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrBackpressure is the close cause of a connection evicted because
// it did not drain its outbound queue, or because a write to it failed.
var ErrBackpressure = errors.New("backpressure eviction")

// ErrNotCoordinator is returned by Client methods that only the
// coordinator may use. Nothing is sent to the daemon.
var ErrNotCoordinator = errors.New("operation requires the coordinator role")

// ErrDaemonStopped is returned by operations on a daemon that has shut
// down.
var ErrDaemonStopped = errors.New("session daemon stopped")

// ErrReplaced is the close cause of a coordinator connection displaced
// by a newer coordinator handshake.
var ErrReplaced = errors.New("replaced by a newer coordinator")

// ProtocolError describes a malformed frame header or payload.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// SpawnError reports that the pseudoterminal or child process could not
// be created.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Error codes carried in ErrorNotice.Code.
const (
	// ErrorCodeProtocolViolation precedes the daemon closing a
	// connection that sent a malformed frame.
	ErrorCodeProtocolViolation = "protocol_violation"

	// ErrorCodeInvalidPayload reports a well-framed privileged frame
	// whose payload could not be decoded. The connection stays open.
	ErrorCodeInvalidPayload = "invalid_payload"

	// ErrorCodeProcessRunning rejects SPAWN while the child is alive.
	ErrorCodeProcessRunning = "process_running"

	// ErrorCodeSpawnFailed reports that a SPAWN or restart could not
	// start the process.
	ErrorCodeSpawnFailed = "spawn_failed"
)
