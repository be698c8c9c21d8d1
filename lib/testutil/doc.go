// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for holdfast packages.
//
// [SocketDir] returns a short directory under /tmp for unix sockets.
// A sockaddr_un path is limited to 108 bytes and t.TempDir() paths
// routinely exceed that once a session socket name is appended.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so tests never block forever on a
// channel. They are the only wall-clock timeouts in the test suite.
//
// [UniqueID] returns process-unique identifiers for session ids and
// labels in parallel tests.
//
// All helpers call t.Fatalf on failure.
package testutil
