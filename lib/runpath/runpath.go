// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package runpath is the filesystem convention for holdfast's IPC
// endpoints. Every session daemon listens at
//
//	<run-dir>/<prefix>-<session-id>.sock
//
// and keeps its diagnostics log and spawn-spec file beside the socket
// under the same stem (.log, .spec). The supervisor's control socket is
// <run-dir>/<prefix>.sock.
package runpath

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// DefaultPrefix names holdfast's files under a shared run directory.
	DefaultPrefix = "holdfast"

	// SocketSuffix is the extension of every holdfast socket.
	SocketSuffix = ".sock"

	// LogSuffix replaces SocketSuffix for a daemon's diagnostics log.
	LogSuffix = ".log"

	// SpecSuffix replaces SocketSuffix for a daemon's spawn-spec file.
	SpecSuffix = ".spec"

	// maxSocketPath is the usable length of sockaddr_un.sun_path, one
	// byte short of 108 for the terminating NUL.
	maxSocketPath = 107

	// SessionIDLength is the length of a canonical UUID string.
	SessionIDLength = 36
)

// SessionSocket returns the socket path for a session.
//
//	SessionSocket("/run/user/1000/holdfast", "holdfast", "0b6c…") → "/run/user/1000/holdfast/holdfast-0b6c….sock"
func SessionSocket(runDir, prefix, sessionID string) string {
	return filepath.Join(runDir, prefix+"-"+sessionID+SocketSuffix)
}

// ControlSocket returns the supervisor control socket path.
func ControlSocket(runDir, prefix string) string {
	return filepath.Join(runDir, prefix+SocketSuffix)
}

// LogPath returns the diagnostics log path for a session socket.
func LogPath(socketPath string) string {
	return stem(socketPath) + LogSuffix
}

// SpecPath returns the spawn-spec file path for a session socket.
func SpecPath(socketPath string) string {
	return stem(socketPath) + SpecSuffix
}

func stem(socketPath string) string {
	return strings.TrimSuffix(socketPath, SocketSuffix)
}

// SessionIDFromSocket recovers the session id from a socket path built
// by SessionSocket. The second result is false if the path does not
// follow the convention for prefix.
func SessionIDFromSocket(prefix, socketPath string) (string, bool) {
	base := filepath.Base(socketPath)
	if !strings.HasSuffix(base, SocketSuffix) || !strings.HasPrefix(base, prefix+"-") {
		return "", false
	}
	sessionID := strings.TrimSuffix(strings.TrimPrefix(base, prefix+"-"), SocketSuffix)
	if sessionID == "" {
		return "", false
	}
	return sessionID, true
}

// ValidatePrefix checks that prefix is usable as a file name stem.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("socket prefix is empty")
	}
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("socket prefix %q: invalid character %q at position %d (allowed: a-z, 0-9, ., _, -)", prefix, c, i)
		}
	}
	if prefix[0] == '.' {
		return fmt.Errorf("socket prefix %q must not start with '.'", prefix)
	}
	return nil
}

// ValidateRunDir checks that a session socket for a canonical UUID
// session id fits in sun_path under runDir with prefix. The
// supervisor calls this at startup so a too-deep run directory fails
// before any daemon is launched rather than at the first bind.
func ValidateRunDir(runDir, prefix string) error {
	if runDir == "" {
		return fmt.Errorf("run directory is empty")
	}
	if !filepath.IsAbs(runDir) {
		return fmt.Errorf("run directory %q must be absolute", runDir)
	}
	if err := ValidatePrefix(prefix); err != nil {
		return err
	}
	longest := SessionSocket(runDir, prefix, strings.Repeat("0", SessionIDLength))
	if len(longest) > maxSocketPath {
		return fmt.Errorf("run directory %q is too long: session sockets would be %d bytes, "+
			"unix socket path limit is %d", runDir, len(longest), maxSocketPath)
	}
	return nil
}
