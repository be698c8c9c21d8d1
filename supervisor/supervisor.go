// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/holdfast/lib/clock"
	"github.com/bureau-foundation/holdfast/lib/registry"
	"github.com/bureau-foundation/holdfast/lib/runpath"
	"github.com/bureau-foundation/holdfast/terminal"
)

const (
	DefaultParallelism  = 5
	DefaultProbeTimeout = 2 * time.Second
	DefaultStartTimeout = 5 * time.Second
)

// ErrReconciling is returned by routing operations while
// reconciliation has not finished.
var ErrReconciling = errors.New("reconciling")

// ErrNoRoute is returned by Lookup for a session the supervisor is not
// attached to.
var ErrNoRoute = errors.New("no route to session")

// Config configures a Supervisor. Registry and RunDir are required, as
// is DaemonBinary unless Launcher is set.
type Config struct {
	Registry registry.Registry

	// RunDir holds session sockets, spec files and logs.
	RunDir string

	// Prefix is the socket file name stem. Defaults to
	// runpath.DefaultPrefix.
	Prefix string

	// DaemonBinary is the session daemon executable used by the
	// default launcher.
	DaemonBinary string

	// Launcher starts and stops daemons. Defaults to an ExecLauncher
	// for DaemonBinary.
	Launcher Launcher

	// Parallelism bounds concurrent probes during reconciliation.
	Parallelism int

	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration

	// StartTimeout bounds the wait for a new daemon to accept.
	StartTimeout time.Duration

	// Defaults fills fields a CreateRequest leaves zero.
	Defaults CreateRequest

	Clock  clock.Clock
	Logger *slog.Logger
}

type dialFunc func(ctx context.Context, socketPath string, options terminal.DialOptions) (*terminal.Client, error)

// Supervisor owns the routing table.
type Supervisor struct {
	registry     registry.Registry
	runDir       string
	prefix       string
	launcher     Launcher
	parallelism  int
	probeTimeout time.Duration
	startTimeout time.Duration
	defaults     CreateRequest
	clock        clock.Clock
	logger       *slog.Logger

	dial  dialFunc
	probe func(ctx context.Context, socketPath string) error

	// reconciling is set from New until the first Reconcile returns,
	// and during every later Reconcile.
	reconciling    atomic.Bool
	reconcileMutex sync.Mutex

	mutex      sync.Mutex
	routes     map[string]*route
	closing    bool
	lastReport *Report

	watchers sync.WaitGroup
}

// route is the coordinator connection to one daemon.
type route struct {
	sessionID  string
	socketPath string
	client     *terminal.Client
	attachedAt time.Time
}

// Route describes an attached session.
type Route struct {
	SessionID   string
	SocketPath  string
	AttachedAt  time.Time
	Coordinator *terminal.Client
}

// New validates config and returns a Supervisor that refuses routing
// operations until Reconcile has run once.
func New(config Config) (*Supervisor, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("supervisor: Registry is required")
	}
	if config.Prefix == "" {
		config.Prefix = runpath.DefaultPrefix
	}
	if err := runpath.ValidateRunDir(config.RunDir, config.Prefix); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Launcher == nil {
		if config.DaemonBinary == "" {
			return nil, fmt.Errorf("supervisor: DaemonBinary or Launcher is required")
		}
		config.Launcher = &ExecLauncher{Binary: config.DaemonBinary, Logger: config.Logger}
	}
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultParallelism
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = DefaultStartTimeout
	}

	s := &Supervisor{
		registry:     config.Registry,
		runDir:       config.RunDir,
		prefix:       config.Prefix,
		launcher:     config.Launcher,
		parallelism:  config.Parallelism,
		probeTimeout: config.ProbeTimeout,
		startTimeout: config.StartTimeout,
		defaults:     config.Defaults,
		clock:        config.Clock,
		logger:       config.Logger,
		dial:         terminal.Dial,
		probe:        terminal.Probe,
		routes:       make(map[string]*route),
	}
	s.reconciling.Store(true)
	return s, nil
}

// checkGate is the single entry check for routing operations.
func (s *Supervisor) checkGate() error {
	if s.reconciling.Load() {
		return ErrReconciling
	}
	return nil
}

// Lookup returns the route to sessionID.
func (s *Supervisor) Lookup(sessionID string) (Route, error) {
	if err := s.checkGate(); err != nil {
		return Route{}, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, ok := s.routes[sessionID]
	if !ok {
		return Route{}, fmt.Errorf("%w %s", ErrNoRoute, sessionID)
	}
	return Route{SessionID: r.sessionID, SocketPath: r.socketPath, AttachedAt: r.attachedAt, Coordinator: r.client}, nil
}

// SessionStatus is one registry record and whether it is routed.
type SessionStatus struct {
	registry.Record
	Routed bool `json:"routed"`
}

// List returns every registered session.
func (s *Supervisor) List(ctx context.Context) ([]SessionStatus, error) {
	if err := s.checkGate(); err != nil {
		return nil, err
	}
	records, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	sessions := make([]SessionStatus, 0, len(records))
	for _, rec := range records {
		_, routed := s.routes[rec.SessionID]
		sessions = append(sessions, SessionStatus{Record: rec, Routed: routed})
	}
	return sessions, nil
}

// Status summarizes the supervisor. It is available while reconciling.
type Status struct {
	Reconciling bool     `json:"reconciling"`
	Routes      []string `json:"routes"`
	LastReport  *Report  `json:"last_report,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	status := Status{Reconciling: s.reconciling.Load(), Routes: make([]string, 0, len(s.routes))}
	for sessionID := range s.routes {
		status.Routes = append(status.Routes, sessionID)
	}
	sort.Strings(status.Routes)
	if s.lastReport != nil {
		report := *s.lastReport
		status.LastReport = &report
	}
	return status
}

// discardOutput is the output handler for route clients. Viewers read
// the session themselves; the route exists to drive it.
func discardOutput(terminal.Output) {}

// addRoute registers client as the coordinator for rec. It returns
// false, leaving client untouched, if a route already exists or the
// supervisor is closing.
func (s *Supervisor) addRoute(sessionID, socketPath string, client *terminal.Client) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closing {
		return false
	}
	if _, exists := s.routes[sessionID]; exists {
		return false
	}
	r := &route{sessionID: sessionID, socketPath: socketPath, client: client, attachedAt: s.clock.Now()}
	s.routes[sessionID] = r
	s.watchers.Add(1)
	go s.watchRoute(r)
	return true
}

func (s *Supervisor) hasRoute(sessionID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, exists := s.routes[sessionID]
	return exists
}

// dropRoute removes and closes the route to sessionID, if any.
func (s *Supervisor) dropRoute(sessionID string) {
	s.mutex.Lock()
	r, exists := s.routes[sessionID]
	delete(s.routes, sessionID)
	s.mutex.Unlock()
	if exists {
		r.client.Close()
	}
}

// watchRoute waits for the route's connection to end and, if the route
// was not removed on purpose, decides whether the session died.
func (s *Supervisor) watchRoute(r *route) {
	defer s.watchers.Done()
	<-r.client.Done()

	s.mutex.Lock()
	current := s.routes[r.sessionID] == r
	if current {
		delete(s.routes, r.sessionID)
	}
	closing := s.closing
	s.mutex.Unlock()
	if !current || closing {
		return
	}

	logger := s.logger.With("session_id", r.sessionID, "socket_path", r.socketPath)
	logger.Info("route lost", "error", r.client.Err())

	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
	defer cancel()
	err := s.probe(ctx, r.socketPath)
	switch {
	case err == nil:
		logger.Info("session still alive under another coordinator")
	case terminalGone(err):
		if err := s.registry.MarkDead(ctx, r.sessionID); err != nil {
			logger.Error("marking lost session dead failed", "error", err)
			return
		}
		logger.Info("lost session marked dead")
	default:
		logger.Warn("probe after route loss inconclusive, keeping record", "error", err)
	}
}

// Close drops every route without touching the daemons. Sessions keep
// running and are picked up by the next supervisor's Reconcile.
func (s *Supervisor) Close() {
	s.mutex.Lock()
	s.closing = true
	routes := s.routes
	s.routes = make(map[string]*route)
	s.mutex.Unlock()

	for _, r := range routes {
		r.client.Close()
	}
	s.watchers.Wait()
}
