// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bureau-foundation/holdfast/lib/clock"
	"github.com/bureau-foundation/holdfast/lib/netutil"
)

const (
	defaultColumns = 80
	defaultRows    = 24

	// DefaultKillGrace is how long Shutdown waits after SIGHUP before
	// sending SIGKILL.
	DefaultKillGrace = 3 * time.Second

	// DefaultRestartDelay separates a child's exit from its automatic
	// restart so a command that fails immediately does not spin.
	DefaultRestartDelay = time.Second

	// outputDrainGrace is how long the daemon waits for the terminal
	// to hang up after the child exits. A background process that
	// inherited the terminal can hold it open indefinitely.
	outputDrainGrace = 250 * time.Millisecond

	readChunkSize    = 32 * 1024
	inputQueueLength = 256
	eventQueueLength = 64
)

// Config configures a session daemon. SessionID and Spawn are
// required.
type Config struct {
	// SessionID is reported in every handshake acknowledgement.
	SessionID string

	// SocketPath is where Listen creates the unix socket.
	SocketPath string

	// Spawn is the process to run. Zero Columns or Rows default to
	// 80x24.
	Spawn SpawnSpec

	// RestartOnExit relaunches the process, after RestartDelay,
	// whenever it exits.
	RestartOnExit bool

	// RestartDelay defaults to DefaultRestartDelay.
	RestartDelay time.Duration

	// ExitLinger is how long the daemon stays up after the process
	// exits and is not restarted. Zero waits until Shutdown.
	ExitLinger time.Duration

	// RingBufferSize is the output history capacity in bytes.
	// Defaults to DefaultRingBufferSize.
	RingBufferSize int

	// OutboundQueue is the per-connection queue length. Defaults to
	// DefaultOutboundQueue.
	OutboundQueue int

	// KillGrace defaults to DefaultKillGrace.
	KillGrace time.Duration

	// Spawner starts the process. Defaults to SpawnPTY.
	Spawner Spawner

	Clock  clock.Clock
	Logger *slog.Logger
}

// Daemon serves one terminal session. Create it with Start.
type Daemon struct {
	sessionID  string
	socketPath string
	config     Config
	clock      clock.Clock
	logger     *slog.Logger

	events   chan any
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	nextConnectionID atomic.Uint64

	// acceptMutex orders Accept against the end of the event loop so
	// that every accepted connection is either handled or closed.
	acceptMutex  sync.Mutex
	acceptClosed bool

	listenerMutex sync.Mutex
	listener      net.Listener

	// Everything below is owned by the event loop goroutine.
	ring        *RingBuffer
	connections map[uint64]*connection
	coordinator *connection
	spec        SpawnSpec
	child       *child
	generation  uint64
	lastExit    *ExitStatus
	lastOutput  time.Time
	startedAt   time.Time

	lingerTimer  *clock.Timer
	restartTimer *clock.Timer

	unauthorizedDropped uint64
}

// child is one run of the session's process.
type child struct {
	generation uint64
	terminal   Terminal
	pid        int
	input      chan []byte

	// exited is closed once Wait has returned.
	exited chan struct{}

	waited     bool
	drained    bool
	status     ExitStatus
	drainTimer *clock.Timer
}

// Events delivered to the loop.

type connectionOpened struct{ connection *connection }

type frameReceived struct {
	connection *connection
	frame      Frame
}

type connectionFailed struct {
	connection *connection
	err        error
	write      bool
}

type outputReceived struct {
	generation uint64
	data       []byte
}

type outputEnded struct{ generation uint64 }

type childExited struct {
	generation uint64
	status     ExitStatus
}

type drainExpired struct{ generation uint64 }

type lingerExpired struct{}

type restartDue struct{}

type snapshotRequest struct{ reply chan Snapshot }

// Start spawns the session's process and starts the event loop. No
// socket exists yet: a spawn failure is returned as *SpawnError before
// anything is visible to clients. Call Listen and Serve (or
// ListenAndServe) to accept connections.
func Start(config Config) (*Daemon, error) {
	if config.SessionID == "" {
		return nil, fmt.Errorf("terminal: SessionID is required")
	}
	if err := config.Spawn.Validate(); err != nil {
		return nil, &SpawnError{Command: config.Spawn.Command, Err: err}
	}
	if config.RingBufferSize <= 0 {
		config.RingBufferSize = DefaultRingBufferSize
	}
	if config.RingBufferSize > MaxPayloadLength-sequenceLength {
		return nil, fmt.Errorf("terminal: RingBufferSize %d exceeds %d", config.RingBufferSize, MaxPayloadLength-sequenceLength)
	}
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = DefaultOutboundQueue
	}
	if config.KillGrace <= 0 {
		config.KillGrace = DefaultKillGrace
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = DefaultRestartDelay
	}
	if config.Spawner == nil {
		config.Spawner = SpawnPTY
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Spawn.Columns == 0 {
		config.Spawn.Columns = defaultColumns
	}
	if config.Spawn.Rows == 0 {
		config.Spawn.Rows = defaultRows
	}

	d := &Daemon{
		sessionID:   config.SessionID,
		socketPath:  config.SocketPath,
		config:      config,
		clock:       config.Clock,
		logger:      config.Logger.With("session_id", config.SessionID),
		events:      make(chan any, eventQueueLength),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		ring:        NewRingBuffer(config.RingBufferSize),
		connections: make(map[uint64]*connection),
		spec:        config.Spawn,
		startedAt:   config.Clock.Now(),
	}

	// The loop is not running yet, so spawn may touch loop state.
	if err := d.spawn(d.spec); err != nil {
		return nil, err
	}
	go d.run()
	return d, nil
}

// SessionID returns the session's id.
func (d *Daemon) SessionID() string { return d.sessionID }

// SocketPath returns the configured socket path.
func (d *Daemon) SocketPath() string { return d.socketPath }

// Done is closed once the daemon has fully stopped.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Shutdown closes every connection, terminates the process (SIGHUP,
// then SIGKILL after KillGrace), releases the terminal and removes the
// socket. It blocks until all of that is done and may be called any
// number of times.
func (d *Daemon) Shutdown() {
	d.requestStop()
	<-d.done
}

func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopping) })
}

func (d *Daemon) isStopping() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}

// post delivers an event to the loop. It returns false once the daemon
// is stopping.
func (d *Daemon) post(event any) bool {
	if d.isStopping() {
		return false
	}
	select {
	case d.events <- event:
		return true
	case <-d.stopping:
		return false
	}
}

// Listen creates the session socket. The parent directory is created
// mode 0700 if missing, and the socket itself is made mode 0600. A
// stale socket file is replaced; one with a live listener is an error.
func (d *Daemon) Listen() (net.Listener, error) {
	if d.socketPath == "" {
		return nil, fmt.Errorf("terminal: SocketPath is required to listen")
	}
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if probe, err := net.DialTimeout("unix", d.socketPath, time.Second); err == nil {
		probe.Close()
		return nil, fmt.Errorf("socket %s is already in use", d.socketPath)
	}
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", d.socketPath, err)
	}

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}

	d.listenerMutex.Lock()
	d.listener = listener
	d.listenerMutex.Unlock()

	d.logger.Info("session socket listening", "socket_path", d.socketPath)
	return listener, nil
}

// Serve accepts connections from listener until ctx is cancelled or
// the daemon stops, then closes listener. Cancelling ctx does not stop
// the daemon.
func (d *Daemon) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-d.stopping:
		}
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || d.isStopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Error("accept failed", "error", err)
			select {
			case <-d.clock.After(100 * time.Millisecond):
			case <-ctx.Done():
			case <-d.stopping:
			}
			continue
		}
		if err := d.Accept(conn); err != nil {
			return nil
		}
	}
}

// ListenAndServe calls Listen and then Serve.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	listener, err := d.Listen()
	if err != nil {
		return err
	}
	return d.Serve(ctx, listener)
}

// Accept registers conn as a pending connection. Nothing is sent to it
// until it completes a handshake. Accept takes ownership of conn and
// returns ErrDaemonStopped (closing conn) if the daemon has stopped.
func (d *Daemon) Accept(conn net.Conn) error {
	d.acceptMutex.Lock()
	defer d.acceptMutex.Unlock()

	if d.acceptClosed {
		conn.Close()
		return ErrDaemonStopped
	}
	c := newConnection(d.nextConnectionID.Add(1), conn, d.config.OutboundQueue, d.clock.Now(), d.logger)
	if !d.post(connectionOpened{connection: c}) {
		conn.Close()
		return ErrDaemonStopped
	}
	go c.readLoop(d)
	go c.writeLoop(d)
	return nil
}

// run is the event loop. It owns the connection table, the ring buffer
// and the child.
func (d *Daemon) run() {
	defer d.finish()
	for {
		select {
		case <-d.stopping:
			return
		case event := <-d.events:
			d.handle(event)
		}
	}
}

func (d *Daemon) handle(event any) {
	switch event := event.(type) {
	case connectionOpened:
		d.connections[event.connection.id] = event.connection
		event.connection.logger.Debug("connection accepted")
	case frameReceived:
		d.handleFrame(event.connection, event.frame)
	case connectionFailed:
		d.handleConnectionFailed(event)
	case outputReceived:
		d.handleOutput(event.data)
	case outputEnded:
		if d.child != nil && d.child.generation == event.generation {
			d.child.drained = true
			if d.child.waited {
				d.finalizeExit()
			}
		}
	case childExited:
		d.handleChildExited(event)
	case drainExpired:
		if d.child != nil && d.child.generation == event.generation && d.child.waited {
			d.logger.Debug("terminal still open after process exit")
			d.finalizeExit()
		}
	case restartDue:
		d.restartTimer = nil
		if d.child == nil {
			d.respawn(nil)
		}
	case lingerExpired:
		d.lingerTimer = nil
		if d.child == nil {
			d.logger.Info("exit linger elapsed, stopping")
			d.requestStop()
		}
	case snapshotRequest:
		event.reply <- d.snapshot()
	}
}

func (d *Daemon) handleConnectionFailed(event connectionFailed) {
	c := event.connection
	if c.closed {
		return
	}
	var protocolError *ProtocolError
	switch {
	case errors.As(event.err, &protocolError):
		d.reject(c, protocolError)
	case event.write:
		c.logger.Warn("backpressure eviction", "error", event.err)
		d.destroy(c, event.err, false)
	case netutil.IsExpectedCloseError(event.err):
		c.logger.Debug("connection closed")
		d.destroy(c, event.err, false)
	default:
		c.logger.Warn("connection read failed", "error", event.err)
		d.destroy(c, event.err, false)
	}
}

// reject tells c it violated the protocol and closes it once the
// notice is written.
func (d *Daemon) reject(c *connection, violation error) {
	c.logger.Warn("protocol violation", "error", violation)
	if frame, err := encodeFrame(FrameError, ErrorNotice{Code: ErrorCodeProtocolViolation, Message: violation.Error()}); err == nil {
		c.enqueue(AppendFrame(nil, frame))
	}
	d.destroy(c, violation, true)
}

// destroy removes c from the table. With flush, queued frames are
// still written (bounded by flushTimeout) before the socket closes.
func (d *Daemon) destroy(c *connection, cause error, flush bool) {
	if c.closed {
		return
	}
	c.closed = true
	delete(d.connections, c.id)
	if d.coordinator == c {
		d.coordinator = nil
	}
	if flush {
		c.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	} else {
		c.conn.Close()
	}
	close(c.outbound)
	c.logger.Debug("connection destroyed", "cause", cause, "role", c.role)
}

// authorize is the single check in front of every privileged frame.
func (d *Daemon) authorize(c *connection) bool {
	return c.state == stateEstablished && c.role == RoleCoordinator && d.coordinator == c
}

func (d *Daemon) handleFrame(c *connection, frame Frame) {
	if c.closed {
		return
	}
	c.lastActivity = d.clock.Now()

	if frame.Type == FrameHandshake {
		d.handleHandshake(c, frame)
		return
	}
	if c.state != stateEstablished {
		c.logger.Debug("frame before handshake dropped", "frame_type", frame.Type)
		return
	}

	switch frame.Type {
	case FrameData, FrameResize, FrameSignal, FrameSpawn:
	default:
		c.logger.Debug("daemon-bound frame of client type dropped", "frame_type", frame.Type)
		return
	}
	if !d.authorize(c) {
		d.unauthorizedDropped++
		c.logger.Debug("unauthorized frame dropped", "frame_type", frame.Type, "role", c.role)
		return
	}

	switch frame.Type {
	case FrameData:
		d.handleInput(c, frame.Payload)
	case FrameResize:
		d.handleResize(c, frame.Payload)
	case FrameSignal:
		d.handleSignal(c, frame.Payload)
	case FrameSpawn:
		d.handleSpawn(c, frame.Payload)
	}
}

func (d *Daemon) handleHandshake(c *connection, frame Frame) {
	if c.state == stateEstablished {
		c.logger.Debug("repeated handshake ignored")
		return
	}

	var request HandshakeRequest
	if err := decodePayload(frame, &request); err != nil {
		d.reject(c, err)
		return
	}
	if !request.Role.Valid() {
		d.reject(c, protocolErrorf("unknown role %q", request.Role))
		return
	}

	if request.Role == RoleCoordinator && d.coordinator != nil {
		previous := d.coordinator
		previous.logger.Info("coordinator replaced", "replacement_connection_id", c.id)
		d.destroy(previous, ErrReplaced, false)
	}

	var from uint64
	if request.ResumeFrom != nil {
		from = *request.ResumeFrom
	}
	replay := d.ring.Replay(from)

	ack := HandshakeAck{
		SessionID: d.sessionID,
		Role:      request.Role,
		Oldest:    replay.Oldest,
		Next:      d.ring.Next(),
		Gap:       replay.Gap,
		Columns:   d.spec.Columns,
		Rows:      d.spec.Rows,
		Running:   d.child != nil,
	}
	if d.child != nil {
		ack.PID = d.child.pid
	}
	ackFrame, err := encodeFrame(FrameHandshake, ack)
	if err != nil {
		d.reject(c, err)
		return
	}

	batch := AppendFrame(nil, ackFrame)
	for _, entry := range replay.Entries {
		batch = AppendFrame(batch, Frame{Type: FrameData, Payload: EncodeOutput(entry.Sequence, entry.Data)})
	}
	if d.child == nil && d.lastExit != nil {
		if exitFrame, err := encodeFrame(FrameExit, *d.lastExit); err == nil {
			batch = AppendFrame(batch, exitFrame)
		}
	}

	c.role = request.Role
	if !c.enqueue(batch) {
		c.logger.Warn("backpressure eviction during handshake")
		d.destroy(c, ErrBackpressure, false)
		return
	}
	c.state = stateEstablished
	if c.role == RoleCoordinator {
		d.coordinator = c
	}
	c.logger.Info("connection established",
		"role", c.role,
		"resume_from", from,
		"replayed", len(replay.Entries),
		"gap", replay.Gap,
	)
}

// notify sends notice to c alone.
func (d *Daemon) notify(c *connection, notice ErrorNotice) {
	frame, err := encodeFrame(FrameError, notice)
	if err != nil {
		return
	}
	if !c.enqueue(AppendFrame(nil, frame)) {
		c.logger.Warn("backpressure eviction")
		d.destroy(c, ErrBackpressure, false)
	}
}

// broadcast queues frame for every established connection, evicting
// any whose queue is full.
func (d *Daemon) broadcast(frame Frame) {
	batch := AppendFrame(nil, frame)
	for _, c := range d.connections {
		if c.state != stateEstablished {
			continue
		}
		if !c.enqueue(batch) {
			c.logger.Warn("backpressure eviction", "role", c.role)
			d.destroy(c, ErrBackpressure, false)
		}
	}
}

func (d *Daemon) handleInput(c *connection, data []byte) {
	if len(data) == 0 {
		return
	}
	if d.child == nil {
		c.logger.Debug("input dropped, process not running")
		return
	}
	select {
	case d.child.input <- data:
	default:
		c.logger.Warn("input queue full, input dropped", "bytes", len(data))
	}
}

func (d *Daemon) handleResize(c *connection, payload []byte) {
	columns, rows, err := DecodeResize(payload)
	if err != nil {
		d.notify(c, ErrorNotice{Code: ErrorCodeInvalidPayload, Message: err.Error()})
		return
	}
	d.spec.Columns, d.spec.Rows = columns, rows
	if d.child == nil {
		return
	}
	if err := d.child.terminal.Resize(columns, rows); err != nil {
		c.logger.Warn("resize failed", "columns", columns, "rows", rows, "error", err)
	}
}

func (d *Daemon) handleSignal(c *connection, payload []byte) {
	signal, err := DecodeSignal(payload)
	if err != nil {
		d.notify(c, ErrorNotice{Code: ErrorCodeInvalidPayload, Message: err.Error()})
		return
	}
	if d.child == nil {
		c.logger.Debug("signal dropped, process not running", "signal", int(signal))
		return
	}
	if err := d.child.terminal.Signal(signal); err != nil {
		c.logger.Warn("signal delivery failed", "signal", int(signal), "error", err)
	}
}

func (d *Daemon) handleSpawn(c *connection, payload []byte) {
	if d.child != nil {
		d.notify(c, ErrorNotice{Code: ErrorCodeProcessRunning, Message: fmt.Sprintf("pid %d is still running", d.child.pid)})
		return
	}
	override, err := DecodeSpawn(payload)
	if err != nil {
		d.notify(c, ErrorNotice{Code: ErrorCodeInvalidPayload, Message: err.Error()})
		return
	}
	d.respawn(override)
}

// respawn starts the process again, with override replacing the
// session's spec when non-nil. Failures are reported to the
// coordinator.
func (d *Daemon) respawn(override *SpawnSpec) {
	d.stopExitTimers()
	if override != nil {
		if override.Columns == 0 {
			override.Columns = d.spec.Columns
		}
		if override.Rows == 0 {
			override.Rows = d.spec.Rows
		}
		d.spec = *override
	}
	if err := d.spawn(d.spec); err != nil {
		d.logger.Error("respawn failed", "error", err)
		if d.coordinator != nil {
			d.notify(d.coordinator, ErrorNotice{Code: ErrorCodeSpawnFailed, Message: err.Error()})
		}
		if !d.config.RestartOnExit && d.config.ExitLinger > 0 {
			d.lingerTimer = d.clock.AfterFunc(d.config.ExitLinger, func() { d.post(lingerExpired{}) })
		}
	}
}

func (d *Daemon) stopExitTimers() {
	if d.lingerTimer != nil {
		d.lingerTimer.Stop()
		d.lingerTimer = nil
	}
	if d.restartTimer != nil {
		d.restartTimer.Stop()
		d.restartTimer = nil
	}
}

func (d *Daemon) handleOutput(data []byte) {
	sequence := d.ring.Append(data)
	if sequence == 0 {
		return
	}
	d.lastOutput = d.clock.Now()
	d.broadcast(Frame{Type: FrameData, Payload: EncodeOutput(sequence, data)})
}

func (d *Daemon) handleChildExited(event childExited) {
	if d.child == nil || d.child.generation != event.generation {
		return
	}
	d.child.waited = true
	d.child.status = event.status
	if d.child.drained {
		d.finalizeExit()
		return
	}
	generation := event.generation
	d.child.drainTimer = d.clock.AfterFunc(outputDrainGrace, func() { d.post(drainExpired{generation: generation}) })
}

// finalizeExit runs once the child has exited and its output has been
// consumed: EXIT goes to every client, then the restart or linger
// policy applies.
func (d *Daemon) finalizeExit() {
	c := d.child
	d.child = nil
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	c.terminal.Close()
	close(c.input)

	status := c.status
	status.Sequence = d.ring.Next() - 1
	d.lastExit = &status
	d.logger.Info("process exited",
		"pid", c.pid,
		"exit_code", status.Code,
		"signal", status.Signal,
		"last_sequence", status.Sequence,
	)

	if frame, err := encodeFrame(FrameExit, status); err == nil {
		d.broadcast(frame)
	}

	switch {
	case d.config.RestartOnExit:
		d.restartTimer = d.clock.AfterFunc(d.config.RestartDelay, func() { d.post(restartDue{}) })
	case d.config.ExitLinger > 0:
		d.lingerTimer = d.clock.AfterFunc(d.config.ExitLinger, func() { d.post(lingerExpired{}) })
	}
}

// spawn starts spec and the goroutines that feed its output, input and
// exit into the loop.
func (d *Daemon) spawn(spec SpawnSpec) error {
	terminal, err := d.config.Spawner(spec)
	if err != nil {
		var spawnError *SpawnError
		if errors.As(err, &spawnError) {
			return err
		}
		return &SpawnError{Command: spec.Command, Err: err}
	}

	d.generation++
	c := &child{
		generation: d.generation,
		terminal:   terminal,
		pid:        terminal.PID(),
		input:      make(chan []byte, inputQueueLength),
		exited:     make(chan struct{}),
	}
	d.child = c
	d.lastExit = nil

	go d.pumpOutput(c)
	go d.pumpInput(c)
	go d.awaitExit(c)

	d.logger.Info("process started", "pid", c.pid, "command", spec.Command, "columns", spec.Columns, "rows", spec.Rows)
	return nil
}

func (d *Daemon) pumpOutput(c *child) {
	buffer := make([]byte, readChunkSize)
	for {
		count, err := c.terminal.Read(buffer)
		if count > 0 {
			data := make([]byte, count)
			copy(data, buffer[:count])
			if !d.post(outputReceived{generation: c.generation, data: data}) {
				return
			}
		}
		if err != nil {
			d.post(outputEnded{generation: c.generation})
			return
		}
	}
}

func (d *Daemon) pumpInput(c *child) {
	for data := range c.input {
		if _, err := c.terminal.Write(data); err != nil {
			d.logger.Debug("terminal write failed", "pid", c.pid, "error", err)
		}
	}
}

func (d *Daemon) awaitExit(c *child) {
	status := c.terminal.Wait()
	close(c.exited)
	d.post(childExited{generation: c.generation, status: status})
}

// finish tears everything down once the loop has exited.
func (d *Daemon) finish() {
	d.acceptMutex.Lock()
	d.acceptClosed = true
	d.acceptMutex.Unlock()

	d.stopExitTimers()

	// The socket goes first so that a client seeing its connection
	// close already finds the endpoint dead.
	d.listenerMutex.Lock()
	if d.listener != nil {
		d.listener.Close()
		if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("removing socket failed", "socket_path", d.socketPath, "error", err)
		}
	}
	d.listenerMutex.Unlock()

	// Connections accepted but never seen by the loop.
	for draining := true; draining; {
		select {
		case event := <-d.events:
			if opened, ok := event.(connectionOpened); ok {
				d.connections[opened.connection.id] = opened.connection
			}
		default:
			draining = false
		}
	}
	for _, c := range d.connections {
		d.destroy(c, ErrDaemonStopped, false)
	}

	if d.child != nil {
		d.terminate(d.child)
		d.child = nil
	}

	d.logger.Info("session daemon stopped")
	close(d.done)
}

// terminate hangs up on the child, escalating to SIGKILL.
func (d *Daemon) terminate(c *child) {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
	}
	if err := c.terminal.Signal(syscall.SIGHUP); err != nil {
		d.logger.Debug("SIGHUP failed", "pid", c.pid, "error", err)
	}
	select {
	case <-c.exited:
	case <-d.clock.After(d.config.KillGrace):
		d.logger.Warn("process ignored SIGHUP, killing", "pid", c.pid)
		c.terminal.Signal(syscall.SIGKILL)
		select {
		case <-c.exited:
		case <-d.clock.After(d.config.KillGrace):
			d.logger.Error("process did not exit after SIGKILL", "pid", c.pid)
		}
	}
	c.terminal.Close()
	close(c.input)
}

// ConnectionInfo describes one connection in a Snapshot.
type ConnectionInfo struct {
	ID           uint64    `json:"id"`
	Role         Role      `json:"role,omitempty"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot is a consistent view of a daemon's state.
type Snapshot struct {
	SessionID   string           `json:"session_id"`
	SocketPath  string           `json:"socket_path"`
	Columns     uint16           `json:"columns"`
	Rows        uint16           `json:"rows"`
	Running     bool             `json:"running"`
	PID         int              `json:"pid,omitempty"`
	LastExit    *ExitStatus      `json:"last_exit,omitempty"`
	Oldest      uint64           `json:"oldest"`
	Next        uint64           `json:"next"`
	Retained    int              `json:"retained_bytes"`
	StartedAt   time.Time        `json:"started_at"`
	LastOutput  time.Time        `json:"last_output"`
	Connections []ConnectionInfo `json:"connections"`

	// UnauthorizedDropped counts privileged frames dropped because
	// the sender was not the established coordinator.
	UnauthorizedDropped uint64 `json:"unauthorized_dropped"`

	// Stopped is set, and everything else zero, once the daemon has
	// shut down.
	Stopped bool `json:"stopped,omitempty"`
}

// Snapshot returns the daemon's state as seen by the event loop.
func (d *Daemon) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !d.post(snapshotRequest{reply: reply}) {
		return Snapshot{SessionID: d.sessionID, Stopped: true}
	}
	select {
	case snapshot := <-reply:
		return snapshot
	case <-d.done:
		return Snapshot{SessionID: d.sessionID, Stopped: true}
	}
}

func (d *Daemon) snapshot() Snapshot {
	snapshot := Snapshot{
		SessionID:           d.sessionID,
		SocketPath:          d.socketPath,
		Columns:             d.spec.Columns,
		Rows:                d.spec.Rows,
		Running:             d.child != nil,
		Oldest:              d.ring.Oldest(),
		Next:                d.ring.Next(),
		Retained:            d.ring.Size(),
		StartedAt:           d.startedAt,
		LastOutput:          d.lastOutput,
		UnauthorizedDropped: d.unauthorizedDropped,
		Connections:         make([]ConnectionInfo, 0, len(d.connections)),
	}
	if d.child != nil {
		snapshot.PID = d.child.pid
	}
	if d.lastExit != nil {
		exit := *d.lastExit
		snapshot.LastExit = &exit
	}
	for _, c := range d.connections {
		snapshot.Connections = append(snapshot.Connections, c.info())
	}
	sort.Slice(snapshot.Connections, func(i, j int) bool {
		return snapshot.Connections[i].ID < snapshot.Connections[j].ID
	})
	return snapshot
}
