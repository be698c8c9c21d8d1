// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds holdfast's single CBOR configuration.
//
// CBOR is used for every structured payload that crosses a process
// boundary: handshake, spawn, exit and error frame payloads on the
// session socket, the metadata column in the session registry, the
// spawn-spec handoff file, and the supervisor control socket. Raw
// terminal bytes never go through this package; DATA frames carry
// them unencoded.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always produces the same bytes. Registry metadata relies
// on that when comparing stored records.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types that are only ever CBOR use `cbor` struct tags. Types that are
// also rendered as JSON (CLI output) use `json` tags, which the
// decoder falls back to.
package codec
