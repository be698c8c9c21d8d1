// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor creates, tracks and destroys detached session
// daemons.
//
// The supervisor is disposable; the daemons are not. Every daemon runs
// in its own session with no pipes to the supervisor, so a supervisor
// crash or upgrade leaves the terminals running. On startup
// [Supervisor.Reconcile] walks the registry, probes every recorded
// socket with bounded concurrency, re-attaches as coordinator to the
// daemons that answer and marks the rest dead. Until the first
// reconciliation finishes, and while any later one runs, the
// operations that read or change the routing table return
// [ErrReconciling], so no caller observes a half-built table.
//
// A route is the supervisor's coordinator connection to one daemon.
// When a route's connection drops, a handshake-free probe decides
// whether the daemon is gone (socket missing or refusing) or merely
// attached to another coordinator; only the former marks the session
// dead.
package supervisor
