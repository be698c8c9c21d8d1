// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/holdfast/lib/registry"
	"github.com/bureau-foundation/holdfast/lib/runpath"
	"github.com/bureau-foundation/holdfast/lib/specfile"
	"github.com/bureau-foundation/holdfast/terminal"
)

// startPollInterval is the wait between connection attempts while a
// new daemon comes up.
const startPollInterval = 50 * time.Millisecond

// CreateRequest describes a new session. Zero fields take the
// supervisor's defaults.
type CreateRequest struct {
	Command []string `cbor:"command,omitempty"`
	Dir     string   `cbor:"dir,omitempty"`
	Env     []string `cbor:"env,omitempty"`
	Columns uint16   `cbor:"columns,omitempty"`
	Rows    uint16   `cbor:"rows,omitempty"`

	RestartOnExit  bool          `cbor:"restart_on_exit,omitempty"`
	ExitLinger     time.Duration `cbor:"exit_linger,omitempty"`
	RingBufferSize int           `cbor:"ring_buffer_size,omitempty"`

	Label string `cbor:"label,omitempty"`
}

func (r CreateRequest) withDefaults(defaults CreateRequest) CreateRequest {
	if len(r.Command) == 0 {
		r.Command = defaults.Command
	}
	if r.Dir == "" {
		r.Dir = defaults.Dir
	}
	if r.Env == nil {
		r.Env = defaults.Env
	}
	if r.Columns == 0 {
		r.Columns = defaults.Columns
	}
	if r.Rows == 0 {
		r.Rows = defaults.Rows
	}
	if !r.RestartOnExit {
		r.RestartOnExit = defaults.RestartOnExit
	}
	if r.ExitLinger == 0 {
		r.ExitLinger = defaults.ExitLinger
	}
	if r.RingBufferSize == 0 {
		r.RingBufferSize = defaults.RingBufferSize
	}
	return r
}

// Create starts a new detached session daemon, waits for it to accept,
// attaches as its coordinator and records it.
func (s *Supervisor) Create(ctx context.Context, request CreateRequest) (registry.Record, error) {
	if err := s.checkGate(); err != nil {
		return registry.Record{}, err
	}
	request = request.withDefaults(s.defaults)

	sessionID := uuid.NewString()
	socketPath := runpath.SessionSocket(s.runDir, s.prefix, sessionID)
	specPath := runpath.SpecPath(socketPath)
	logger := s.logger.With("session_id", sessionID, "socket_path", socketPath)

	if err := os.MkdirAll(s.runDir, 0o700); err != nil {
		return registry.Record{}, fmt.Errorf("creating run directory: %w", err)
	}
	spec := specfile.Spec{
		SessionID:  sessionID,
		SocketPath: socketPath,
		Spawn: terminal.SpawnSpec{
			Command: request.Command,
			Dir:     request.Dir,
			Env:     request.Env,
			Columns: request.Columns,
			Rows:    request.Rows,
		},
		RestartOnExit:  request.RestartOnExit,
		RingBufferSize: request.RingBufferSize,
		ExitLinger:     request.ExitLinger,
		Label:          request.Label,
	}
	if err := specfile.Write(specPath, spec); err != nil {
		return registry.Record{}, fmt.Errorf("writing spec for session %s: %w", sessionID, err)
	}

	pid, err := s.launcher.Launch(ctx, specPath)
	if err != nil {
		specfile.Remove(specPath)
		return registry.Record{}, fmt.Errorf("launching session %s: %w", sessionID, err)
	}

	abandon := func(cause error) (registry.Record, error) {
		if err := s.launcher.Terminate(pid); err != nil {
			logger.Warn("terminating abandoned daemon failed", "pid", pid, "error", err)
		}
		specfile.Remove(specPath)
		return registry.Record{}, cause
	}

	client, err := s.awaitDaemon(ctx, socketPath)
	if err != nil {
		return abandon(fmt.Errorf("session %s did not start: %w", sessionID, err))
	}

	rec := registry.Record{
		SessionID:    sessionID,
		SocketPath:   socketPath,
		CreatedAt:    s.clock.Now(),
		LastProbedAt: s.clock.Now(),
		Label:        request.Label,
		Metadata: registry.Metadata{
			Columns:       client.Ack().Columns,
			Rows:          client.Ack().Rows,
			RestartOnExit: request.RestartOnExit,
			Command:       request.Command,
			DaemonPID:     pid,
		},
	}
	if err := s.registry.Record(ctx, rec); err != nil {
		client.Close()
		return abandon(fmt.Errorf("recording session %s: %w", sessionID, err))
	}
	if !s.addRoute(sessionID, socketPath, client) {
		// Only possible while closing; the record stays for the next
		// supervisor to pick up.
		client.Close()
	}

	logger.Info("session created", "pid", pid, "command", request.Command)
	return rec, nil
}

// awaitDaemon dials socketPath as coordinator until it answers or the
// start timeout passes.
func (s *Supervisor) awaitDaemon(ctx context.Context, socketPath string) (*terminal.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	for {
		client, err := s.dial(ctx, socketPath, terminal.DialOptions{
			Role:   terminal.RoleCoordinator,
			Logger: s.logger,
			OnData: discardOutput,
		})
		if err == nil {
			return client, nil
		}
		if !terminalGone(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last attempt: %v)", ctx.Err(), err)
		case <-s.clock.After(startPollInterval):
		}
	}
}

// Destroy stops a session: the daemon is signaled, the route closed
// and the record marked dead.
func (s *Supervisor) Destroy(ctx context.Context, sessionID string) error {
	if err := s.checkGate(); err != nil {
		return err
	}
	rec, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	s.dropRoute(sessionID)
	// TODO: confirm the pid still belongs to this session before
	// signaling; a recycled pid would receive the SIGTERM.
	if err := s.launcher.Terminate(rec.Metadata.DaemonPID); err != nil {
		s.logger.Warn("signaling session daemon failed",
			"session_id", sessionID,
			"pid", rec.Metadata.DaemonPID,
			"error", err,
		)
	}
	if err := s.registry.MarkDead(ctx, sessionID); err != nil {
		return fmt.Errorf("removing session %s: %w", sessionID, err)
	}
	s.logger.Info("session destroyed", "session_id", sessionID)
	return nil
}
