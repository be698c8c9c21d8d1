// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal implements holdfast's persistent terminal sessions:
// a daemon that owns one pseudoterminal and the process running in
// it, and serves any number of clients over a unix socket so that the
// session outlives whichever process started it.
//
// The package is organized around the session data flow:
//
//   - protocol.go: framed binary wire format and frame payloads
//   - ringbuffer.go: sequence-numbered output history for replay
//   - pty.go: the Terminal abstraction and its creack/pty implementation
//   - daemon.go: the session event loop (spawn, broadcast, exit policy)
//   - connection.go: per-client state, reader and writer goroutines
//   - client.go: the protocol client used by the supervisor and attach tool
//
// # Roles
//
// Every connection declares a role in its handshake. At most one
// connection is the coordinator: it may write input, resize, signal
// and respawn the process. A new coordinator handshake destroys the
// previous coordinator connection outright. Any number of viewers may
// attach; they receive output only, and privileged frames they send
// are dropped without a reply.
//
// # Ordering
//
// A single goroutine owns the connection table, the ring buffer and
// the child process. Reader goroutines turn socket bytes and PTY output
// into events for it; writer goroutines drain one bounded queue per
// connection. A connection whose queue fills is evicted rather than
// slowing everyone else down.
package terminal
