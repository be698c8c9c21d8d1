// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the request/response unix socket used by the
// holdfast supervisor's control surface.
//
// Each connection carries exactly one exchange: the client writes one
// CBOR map with an "action" field plus action-specific fields, the
// server dispatches to the [ActionFunc] registered for that action and
// writes back one CBOR [Response]. CBOR is self-delimiting, so there is
// no framing beyond the encoding itself.
//
// The socket is created mode 0600. Filesystem permissions are the only
// access control; anyone who can connect can drive the supervisor.
package service
