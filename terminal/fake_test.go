// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/holdfast/lib/clock"
	"github.com/bureau-foundation/holdfast/lib/testutil"
)

const testTimeout = 5 * time.Second

// fakeTerminal stands in for a process on a pseudoterminal. Output is
// fed with emit; input, resizes and signals are recorded on channels.
type fakeTerminal struct {
	pid  int
	spec SpawnSpec

	output  chan []byte
	inputs  chan []byte
	resizes chan [2]uint16
	signals chan syscall.Signal

	hangup   chan struct{}
	exited   chan struct{}
	exitOnce sync.Once
	status   ExitStatus

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTerminal(pid int, spec SpawnSpec) *fakeTerminal {
	return &fakeTerminal{
		pid:     pid,
		spec:    spec,
		output:  make(chan []byte),
		inputs:  make(chan []byte, 64),
		resizes: make(chan [2]uint16, 64),
		signals: make(chan syscall.Signal, 64),
		hangup:  make(chan struct{}),
		exited:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTerminal) Read(buffer []byte) (int, error) {
	select {
	case data := <-f.output:
		return copy(buffer, data), nil
	case <-f.hangup:
		return 0, io.EOF
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeTerminal) Write(data []byte) (int, error) {
	select {
	case f.inputs <- append([]byte(nil), data...):
	default:
	}
	return len(data), nil
}

func (f *fakeTerminal) Resize(columns, rows uint16) error {
	select {
	case f.resizes <- [2]uint16{columns, rows}:
	default:
	}
	return nil
}

func (f *fakeTerminal) Signal(signal syscall.Signal) error {
	select {
	case f.signals <- signal:
	default:
	}
	if signal == syscall.SIGHUP || signal == syscall.SIGKILL {
		f.exit(ExitStatus{Code: -1, Signal: int(signal)})
	}
	return nil
}

func (f *fakeTerminal) Wait() ExitStatus {
	<-f.exited
	return f.status
}

func (f *fakeTerminal) PID() int { return f.pid }

func (f *fakeTerminal) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// emit blocks until the daemon has read data.
func (f *fakeTerminal) emit(t *testing.T, data string) {
	t.Helper()
	testutil.RequireSend(t, f.output, []byte(data), testTimeout, "emitting %q", data)
}

// exit ends the process and hangs up the terminal.
func (f *fakeTerminal) exit(status ExitStatus) {
	f.exitOnce.Do(func() {
		f.status = status
		close(f.hangup)
		close(f.exited)
	})
}

// assertIdle fails if the daemon passed anything to the process.
func (f *fakeTerminal) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case input := <-f.inputs:
		t.Errorf("process received input %q", input)
	case size := <-f.resizes:
		t.Errorf("process resized to %dx%d", size[0], size[1])
	case signal := <-f.signals:
		t.Errorf("process received signal %d", signal)
	default:
	}
}

type testSession struct {
	daemon     *Daemon
	clock      *clock.FakeClock
	spawned    chan *fakeTerminal
	socketPath string
}

// startTestSession runs a daemon over fake terminals on a real unix
// socket. configure may adjust the config before Start.
func startTestSession(t *testing.T, configure func(*Config)) *testSession {
	t.Helper()
	session := &testSession{
		clock:      clock.Fake(time.Unix(1_700_000_000, 0)),
		spawned:    make(chan *fakeTerminal, 8),
		socketPath: filepath.Join(testutil.SocketDir(t), "session.sock"),
	}

	nextPID := 4000
	config := Config{
		SessionID:  "test-session",
		SocketPath: session.socketPath,
		Spawn:      SpawnSpec{Command: []string{"fake-shell"}},
		Clock:      session.clock,
		Spawner: func(spec SpawnSpec) (Terminal, error) {
			nextPID++
			terminal := newFakeTerminal(nextPID, spec)
			session.spawned <- terminal
			return terminal, nil
		},
	}
	if configure != nil {
		configure(&config)
	}

	daemon, err := Start(config)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	session.daemon = daemon

	listener, err := daemon.Listen()
	if err != nil {
		daemon.Shutdown()
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go daemon.Serve(ctx, listener)
	t.Cleanup(func() {
		cancel()
		daemon.Shutdown()
	})
	return session
}

func (s *testSession) nextTerminal(t *testing.T) *fakeTerminal {
	t.Helper()
	return testutil.RequireReceive(t, s.spawned, testTimeout, "waiting for spawn")
}

func (s *testSession) dial(t *testing.T, options DialOptions) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	client, err := Dial(ctx, s.socketPath, options)
	if err != nil {
		t.Fatalf("Dial(%s): %v", options.Role, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// dialRaw connects without the client library so tests can send
// arbitrary frames.
func (s *testSession) dialRaw(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", s.socketPath)
	if err != nil {
		t.Fatalf("dial %s: %v", s.socketPath, err)
	}
	conn.SetDeadline(time.Now().Add(testTimeout))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// rawHandshake sends a handshake on conn and returns the
// acknowledgement.
func rawHandshake(t *testing.T, conn net.Conn, request HandshakeRequest) HandshakeAck {
	t.Helper()
	frame, err := encodeFrame(FrameHandshake, request)
	if err != nil {
		t.Fatalf("encoding handshake: %v", err)
	}
	if err := WriteFrame(conn, frame); err != nil {
		t.Fatalf("writing handshake: %v", err)
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("reading handshake reply: %v", err)
	}
	if reply.Type != FrameHandshake {
		t.Fatalf("handshake reply type = %s, want %s", reply.Type, FrameHandshake)
	}
	var ack HandshakeAck
	if err := decodePayload(reply, &ack); err != nil {
		t.Fatalf("decoding acknowledgement: %v", err)
	}
	return ack
}

// waitForSnapshot polls until condition holds.
func waitForSnapshot(t *testing.T, daemon *Daemon, condition func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		snapshot := daemon.Snapshot()
		if condition(snapshot) {
			return snapshot
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for daemon state; last snapshot: %+v", snapshot)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func establishedCount(snapshot Snapshot) int {
	count := 0
	for _, connection := range snapshot.Connections {
		if connection.State == "established" {
			count++
		}
	}
	return count
}
