// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies the errors holdfast sees on unix sockets.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsExpectedCloseError reports whether err is an ordinary end of a
// connection: EOF, use of a closed connection, a broken pipe, or a
// reset. A session daemon sees these every time an attach client goes
// away and does not log them as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// IsDeadEndpoint reports whether a dial error proves that nothing is
// listening at the socket path: the file does not exist, or it exists
// and the kernel refused the connection. Timeouts and permission
// errors are not proof of death; the daemon may be alive but slow or
// owned by someone else.
func IsDeadEndpoint(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNREFUSED || errno == syscall.ENOENT
	}
	return false
}
