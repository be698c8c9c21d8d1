// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for holdfast
// binaries.
//
// Configuration comes from a single file named by either the
// HOLDFAST_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no search path and no per-field
// environment override. [Resolve] is the entry point binaries use: an
// explicit path wins, then HOLDFAST_CONFIG, then [Default] alone.
//
// Values are layered: [Default] first, then the file. Variable
// expansion is performed on path and command fields after loading:
// ${HOME}, ${HOLDFAST_STATE} and ${VAR:-default} patterns are
// expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Supervisor, Session
//   - [Default] -- returns a Config with defaults for a single user
//   - [Load], [LoadFile] and [Resolve] -- the loading entry points
package config
