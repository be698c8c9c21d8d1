// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the supervisor's durable list of sessions.
//
// A row exists for every session daemon the supervisor believes to be
// alive. Rows are written when a session is created and deleted only
// when the session is proven dead, so the table survives supervisor
// restarts and is the input to startup reconciliation. Each operation
// is a single statement or one IMMEDIATE transaction; there is no
// in-memory cache to drift from the database.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/holdfast/lib/codec"
	"github.com/bureau-foundation/holdfast/lib/runpath"
	"github.com/bureau-foundation/holdfast/lib/sqlitepool"
)

// ErrNotFound is returned for a session id with no row.
var ErrNotFound = errors.New("session not found")

// Metadata is stored CBOR-encoded alongside each record.
type Metadata struct {
	Columns       uint16   `cbor:"columns,omitempty" json:"columns,omitempty"`
	Rows          uint16   `cbor:"rows,omitempty" json:"rows,omitempty"`
	RestartOnExit bool     `cbor:"restart_on_exit,omitempty" json:"restart_on_exit,omitempty"`
	Command       []string `cbor:"command,omitempty" json:"command,omitempty"`

	// DaemonPID is the session daemon's process id when it was
	// created. Destroy signals it.
	DaemonPID int `cbor:"daemon_pid,omitempty" json:"daemon_pid,omitempty"`
}

// Record is one session.
type Record struct {
	SessionID    string    `json:"session_id"`
	SocketPath   string    `json:"socket_path"`
	CreatedAt    time.Time `json:"created_at"`
	LastProbedAt time.Time `json:"last_probed_at,omitzero"`
	Label        string    `json:"label,omitempty"`
	Metadata     Metadata  `json:"metadata"`
}

// Registry is the set of operations the supervisor needs. Store is the
// SQLite implementation.
type Registry interface {
	// Record inserts rec, replacing any row with the same session id.
	Record(ctx context.Context, rec Record) error

	// Touch sets the last successful probe time.
	Touch(ctx context.Context, sessionID string, at time.Time) error

	// MarkDead deletes the row, then removes the session's socket
	// and spec files. The log file is kept for post-mortems.
	MarkDead(ctx context.Context, sessionID string) error

	// Forget deletes the row and leaves every file in place, for a
	// session that stopped answering but may still be running.
	Forget(ctx context.Context, sessionID string) error

	// List returns every record, oldest first.
	List(ctx context.Context) ([]Record, error)

	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, sessionID string) (Record, error)
}

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id     TEXT PRIMARY KEY,
		socket_path    TEXT NOT NULL UNIQUE,
		created_at     INTEGER NOT NULL,
		last_probed_at INTEGER,
		custom_label   TEXT,
		metadata       BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

const selectColumns = "SELECT session_id, socket_path, created_at, last_probed_at, custom_label, metadata FROM sessions"

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to 2.
	PoolSize int

	Logger *slog.Logger
}

// Store is a Registry backed by SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ Registry = (*Store)(nil)

// Open opens or creates the database at config.Path.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: poolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	store := &Store{pool: pool, logger: logger}
	if err := store.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: creating schema: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("registry: creating schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) Record(ctx context.Context, rec Record) (err error) {
	if rec.SessionID == "" || rec.SocketPath == "" {
		return fmt.Errorf("registry: record needs a session id and socket path")
	}
	metadata, err := codec.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("registry: encoding metadata: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: record %s: %w", rec.SessionID, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("registry: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO sessions
			(session_id, socket_path, created_at, last_probed_at, custom_label, metadata)
			VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.SessionID,
				rec.SocketPath,
				rec.CreatedAt.UnixNano(),
				nullableTime(rec.LastProbedAt),
				nullableText(rec.Label),
				metadata,
			},
		})
	if err != nil {
		return fmt.Errorf("registry: record %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: touch %s: %w", sessionID, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE sessions SET last_probed_at = ? WHERE session_id = ?", &sqlitex.ExecOptions{
		Args: []any{at.UnixNano(), sessionID},
	})
	if err != nil {
		return fmt.Errorf("registry: touch %s: %w", sessionID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("registry: touch %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// MarkDead is idempotent: a session with no row is already dead.
func (s *Store) MarkDead(ctx context.Context, sessionID string) error {
	socketPath, found, err := s.deleteRow(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	for _, path := range []string{socketPath, runpath.SpecPath(socketPath)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing dead session file failed",
				"session_id", sessionID,
				"path", path,
				"error", err,
			)
		}
	}
	s.logger.Info("session marked dead", "session_id", sessionID, "socket_path", socketPath)
	return nil
}

// Forget is idempotent like MarkDead.
func (s *Store) Forget(ctx context.Context, sessionID string) error {
	socketPath, found, err := s.deleteRow(ctx, sessionID)
	if err != nil || !found {
		return err
	}
	s.logger.Info("session forgotten", "session_id", sessionID, "socket_path", socketPath)
	return nil
}

// deleteRow removes the row and reports the socket path it held.
func (s *Store) deleteRow(ctx context.Context, sessionID string) (socketPath string, found bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, fmt.Errorf("registry: delete %s: %w", sessionID, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", false, fmt.Errorf("registry: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, "SELECT socket_path FROM sessions WHERE session_id = ?", &sqlitex.ExecOptions{
		Args: []any{sessionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			socketPath = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil || !found {
		return "", false, err
	}

	err = sqlitex.Execute(conn, "DELETE FROM sessions WHERE session_id = ?", &sqlitex.ExecOptions{
		Args: []any{sessionID},
	})
	if err != nil {
		return "", false, fmt.Errorf("registry: delete %s: %w", sessionID, err)
	}
	return socketPath, true, nil
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, selectColumns+" ORDER BY created_at, session_id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("registry: get %s: %w", sessionID, err)
	}
	defer s.pool.Put(conn)

	var (
		rec   Record
		found bool
	)
	err = sqlitex.Execute(conn, selectColumns+" WHERE session_id = ?", &sqlitex.ExecOptions{
		Args: []any{sessionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			rec, err = scanRecord(stmt)
			found = err == nil
			return err
		},
	})
	if err != nil {
		return Record{}, fmt.Errorf("registry: get %s: %w", sessionID, err)
	}
	if !found {
		return Record{}, fmt.Errorf("registry: get %s: %w", sessionID, ErrNotFound)
	}
	return rec, nil
}

// scanRecord reads one row in selectColumns order.
func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	rec := Record{
		SessionID:  stmt.ColumnText(0),
		SocketPath: stmt.ColumnText(1),
		CreatedAt:  time.Unix(0, stmt.ColumnInt64(2)),
		Label:      stmt.ColumnText(4),
	}
	if !stmt.ColumnIsNull(3) {
		rec.LastProbedAt = time.Unix(0, stmt.ColumnInt64(3))
	}
	if !stmt.ColumnIsNull(5) {
		blob := make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, blob)
		if err := codec.Unmarshal(blob, &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decoding metadata of %s: %w", rec.SessionID, err)
		}
	}
	return rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nullableText(text string) any {
	if text == "" {
		return nil
	}
	return text
}
