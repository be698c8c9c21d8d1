// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint and lifecycle helpers for
// holdfast binaries.
//
// Two concerns live here. The first is raw I/O that happens before the
// structured logger exists: [Fatal] reports an error from run() and
// exits. The second is detachment. A session daemon must outlive the
// supervisor that started it, so the supervisor launches it in a new
// session ([DetachAttributes]) with every standard stream on
// /dev/null. The daemon then points its own stdout and stderr at an
// append-only log file ([RedirectDiagnostics]) so that runtime panics
// and stray writes land somewhere readable, and stops reacting to the
// signals a lost terminal or a closed pipe would deliver ([Harden]).
package process
