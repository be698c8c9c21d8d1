// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the
// holdfast session registry.
//
// It is a thin layer over zombiezen.com/go/sqlite's sqlitex.Pool that
// applies one set of pragmas to every connection:
//
//   - journal_mode=WAL so the supervisor's control socket can list
//     sessions while reconciliation is writing.
//   - synchronous=FULL by default. The registry is the only record of
//     which daemons should be alive after the supervisor restarts, so
//     a committed row must survive power loss. Config.Relaxed selects
//     NORMAL for tests and scratch databases.
//   - busy_timeout=5000 to wait out a concurrent writer instead of
//     failing with SQLITE_BUSY.
//   - foreign_keys=ON and temp_store=MEMORY.
//
// Callers Take a connection, use sqlitex helpers on it, and Put it
// back. A connection is not safe for concurrent use.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:      filepath.Join(stateDir, "sessions.db"),
//	    Logger:    logger,
//	    OnConnect: func(conn *sqlite.Conn) error { return sqlitex.ExecuteScript(conn, schema, nil) },
//	})
package sqlitepool
