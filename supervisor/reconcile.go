// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/holdfast/lib/netutil"
	"github.com/bureau-foundation/holdfast/lib/registry"
	"github.com/bureau-foundation/holdfast/terminal"
)

// Report is the outcome of one Reconcile.
type Report struct {
	// Alive sessions answered and are now routed.
	Alive []string `json:"alive"`

	// Dead sessions did not answer and were removed from the registry.
	Dead []string `json:"dead"`

	// Skipped sessions were already routed, or were not probed because
	// the context ended.
	Skipped []string `json:"skipped"`
}

// outcome is the per-record result of a probe.
type outcome int

const (
	outcomeAlive outcome = iota
	outcomeDead
	outcomeSkipped
)

// Reconcile rebuilds the routing table from the registry. Every record
// is probed by dialing its socket as coordinator, at most Parallelism
// at a time. A record that answers is routed and touched; one that
// does not is marked dead. Failures are per record and never abort the
// run.
//
// The reconciling gate is held for the whole run. Concurrent calls are
// serialized. The returned error is the context's, if it ended.
func (s *Supervisor) Reconcile(ctx context.Context) (Report, error) {
	s.reconcileMutex.Lock()
	defer s.reconcileMutex.Unlock()

	s.reconciling.Store(true)
	defer s.reconciling.Store(false)

	records, err := s.registry.List(ctx)
	if err != nil {
		return Report{}, err
	}
	s.logger.Info("reconciling sessions", "records", len(records), "parallelism", s.parallelism)

	var (
		reportMutex sync.Mutex
		report      Report
	)
	group := new(errgroup.Group)
	group.SetLimit(s.parallelism)
	for _, rec := range records {
		group.Go(func() error {
			result := s.reconcileRecord(ctx, rec)
			reportMutex.Lock()
			defer reportMutex.Unlock()
			switch result {
			case outcomeAlive:
				report.Alive = append(report.Alive, rec.SessionID)
			case outcomeDead:
				report.Dead = append(report.Dead, rec.SessionID)
			default:
				report.Skipped = append(report.Skipped, rec.SessionID)
			}
			return nil
		})
	}
	group.Wait()

	sort.Strings(report.Alive)
	sort.Strings(report.Dead)
	sort.Strings(report.Skipped)

	s.mutex.Lock()
	stored := report
	s.lastReport = &stored
	s.mutex.Unlock()

	s.logger.Info("reconciliation complete",
		"alive", len(report.Alive),
		"dead", len(report.Dead),
		"skipped", len(report.Skipped),
	)
	return report, ctx.Err()
}

func (s *Supervisor) reconcileRecord(ctx context.Context, rec registry.Record) outcome {
	if ctx.Err() != nil {
		return outcomeSkipped
	}
	if s.hasRoute(rec.SessionID) {
		return outcomeSkipped
	}

	logger := s.logger.With("session_id", rec.SessionID, "socket_path", rec.SocketPath)

	probeContext, cancel := context.WithTimeout(ctx, s.probeTimeout)
	client, err := s.dial(probeContext, rec.SocketPath, terminal.DialOptions{
		Role:   terminal.RoleCoordinator,
		Logger: logger,
		OnData: discardOutput,
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return outcomeSkipped
		}
		logger.Warn("reconciliation failure", "error", err)
		// A daemon that timed out may only be slow. Its socket stays
		// so it can still be reached directly.
		forget := s.registry.Forget
		if terminalGone(err) {
			forget = s.registry.MarkDead
		}
		if err := forget(ctx, rec.SessionID); err != nil {
			logger.Error("marking session dead failed", "error", err)
		}
		return outcomeDead
	}

	if !s.addRoute(rec.SessionID, rec.SocketPath, client) {
		client.Close()
		return outcomeSkipped
	}
	if err := s.registry.Touch(ctx, rec.SessionID, s.clock.Now()); err != nil {
		logger.Warn("recording probe time failed", "error", err)
	}
	logger.Info("session re-attached", "pid", client.Ack().PID, "running", client.Ack().Running)
	return outcomeAlive
}

// terminalGone reports whether a probe error means the daemon no
// longer exists, as opposed to a timeout or a transient failure.
func terminalGone(err error) bool {
	return netutil.IsDeadEndpoint(err)
}
