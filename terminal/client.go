// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultPendingOutputLimit is how many bytes of output a Client holds
// while it has no OnData handler.
const DefaultPendingOutputLimit = DefaultRingBufferSize

// DialOptions configures a Client.
type DialOptions struct {
	// Role defaults to RoleViewer.
	Role Role

	// ResumeFrom is the first sequence number wanted in the replay.
	// Nil replays everything the daemon retains; a value past the
	// newest output replays nothing.
	ResumeFrom *uint64

	// OnData receives every output chunk, replay first, in sequence
	// order. If nil, output is buffered until Client.OnData is called.
	OnData func(Output)

	// PendingOutputLimit bounds the bytes buffered while there is no
	// OnData handler. Beyond it the oldest chunks are dropped; the
	// handler sees the loss as a jump in Output.Sequence. Defaults to
	// DefaultPendingOutputLimit.
	PendingOutputLimit int

	// OnExit receives each EXIT notice.
	OnExit func(ExitStatus)

	// OnError receives ERROR notices that do not end the connection,
	// such as process_running after a SPAWN.
	OnError func(ErrorNotice)

	Logger *slog.Logger
}

// Client is one attachment to a session daemon. Handlers run on the
// client's read goroutine, one at a time.
type Client struct {
	conn   net.Conn
	role   Role
	ack    HandshakeAck
	logger *slog.Logger

	writeMutex sync.Mutex

	deliverMutex  sync.Mutex
	onData        func(Output)
	onExit        func(ExitStatus)
	onError       func(ErrorNotice)
	lastExit      *ExitStatus

	// pendingOutput[pendingHead:] is output awaiting a handler,
	// pendingBytes of it.
	pendingOutput []Output
	pendingHead   int
	pendingBytes  int
	pendingLimit  int
	droppedOutput uint64

	lastSequence atomic.Uint64

	closeOnce     sync.Once
	closedLocally atomic.Bool
	done          chan struct{}
	err           error
}

// Dial connects to the session socket at socketPath and performs the
// handshake. ctx bounds the connect and the handshake only; cancelling
// it later has no effect on the returned Client. A daemon that rejects
// the handshake is reported as an ErrorNotice.
func Dial(ctx context.Context, socketPath string, options DialOptions) (*Client, error) {
	if options.Role == "" {
		options.Role = RoleViewer
	}
	if !options.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", options.Role)
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.PendingOutputLimit <= 0 {
		options.PendingOutputLimit = DefaultPendingOutputLimit
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing session socket %s: %w", socketPath, err)
	}

	// Cancellation interrupts the handshake by expiring the socket's
	// deadline.
	stopInterrupt := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	reader := bufio.NewReaderSize(conn, 32*1024)
	ack, err := handshake(conn, reader, options)
	interruptPending := stopInterrupt()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("handshake with %s: %w", socketPath, ctx.Err())
		}
		return nil, err
	}
	if !interruptPending {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", socketPath, ctx.Err())
	}
	conn.SetDeadline(time.Time{})

	client := &Client{
		conn:    conn,
		role:    options.Role,
		ack:     ack,
		logger:  options.Logger.With("session_id", ack.SessionID, "role", options.Role),
		onData:  options.OnData,
		onExit:  options.OnExit,
		onError: options.OnError,
		done:    make(chan struct{}),

		pendingLimit: options.PendingOutputLimit,
	}
	if options.ResumeFrom != nil && *options.ResumeFrom > 0 {
		client.lastSequence.Store(*options.ResumeFrom - 1)
	}
	go client.readLoop(reader)
	return client, nil
}

func handshake(conn net.Conn, reader *bufio.Reader, options DialOptions) (HandshakeAck, error) {
	frame, err := encodeFrame(FrameHandshake, HandshakeRequest{Role: options.Role, ResumeFrom: options.ResumeFrom})
	if err != nil {
		return HandshakeAck{}, err
	}
	if err := WriteFrame(conn, frame); err != nil {
		return HandshakeAck{}, fmt.Errorf("sending handshake: %w", err)
	}

	reply, err := ReadFrame(reader)
	if err != nil {
		return HandshakeAck{}, fmt.Errorf("reading handshake reply: %w", err)
	}
	switch reply.Type {
	case FrameHandshake:
		var ack HandshakeAck
		if err := decodePayload(reply, &ack); err != nil {
			return HandshakeAck{}, err
		}
		return ack, nil
	case FrameError:
		var notice ErrorNotice
		if err := decodePayload(reply, &notice); err != nil {
			return HandshakeAck{}, err
		}
		return HandshakeAck{}, notice
	default:
		return HandshakeAck{}, protocolErrorf("%s frame before handshake acknowledgement", reply.Type)
	}
}

// Probe reports whether a daemon is accepting connections at
// socketPath. It connects and disconnects without a handshake.
func Probe(ctx context.Context, socketPath string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Ack returns the daemon's handshake acknowledgement.
func (c *Client) Ack() HandshakeAck { return c.ack }

// Role returns the role this client was granted.
func (c *Client) Role() Role { return c.role }

// LastSequence is the highest output sequence number received. Pass
// LastSequence()+1 as ResumeFrom to continue after a reconnect.
func (c *Client) LastSequence() uint64 { return c.lastSequence.Load() }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended: nil after Close, otherwise the
// read error (io.EOF when the daemon hung up). Only valid after Done
// is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LastExit returns the most recent EXIT notice received, if any.
func (c *Client) LastExit() (ExitStatus, bool) {
	c.deliverMutex.Lock()
	defer c.deliverMutex.Unlock()
	if c.lastExit == nil {
		return ExitStatus{}, false
	}
	return *c.lastExit, true
}

// OnData installs the output handler. Output buffered before the
// call is delivered to handler first, in order.
func (c *Client) OnData(handler func(Output)) {
	c.deliverMutex.Lock()
	defer c.deliverMutex.Unlock()
	for _, output := range c.pendingOutput[c.pendingHead:] {
		handler(output)
	}
	c.pendingOutput = nil
	c.pendingHead = 0
	c.pendingBytes = 0
	c.onData = handler
}

// DroppedOutput returns how many chunks were discarded because they
// arrived with no handler installed and the pending limit was full.
func (c *Client) DroppedOutput() uint64 {
	c.deliverMutex.Lock()
	defer c.deliverMutex.Unlock()
	return c.droppedOutput
}

// Write sends input to the process. Writes larger than one frame are
// split.
func (c *Client) Write(data []byte) (int, error) {
	if c.role != RoleCoordinator {
		return 0, ErrNotCoordinator
	}
	written := 0
	for written < len(data) {
		end := min(written+MaxPayloadLength, len(data))
		if err := c.send(Frame{Type: FrameData, Payload: data[written:end]}); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Resize changes the terminal size.
func (c *Client) Resize(columns, rows uint16) error {
	if c.role != RoleCoordinator {
		return ErrNotCoordinator
	}
	if columns == 0 || rows == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", columns, rows)
	}
	return c.send(Frame{Type: FrameResize, Payload: EncodeResize(columns, rows)})
}

// Signal sends signal to the process group.
func (c *Client) Signal(signal syscall.Signal) error {
	if c.role != RoleCoordinator {
		return ErrNotCoordinator
	}
	payload, err := EncodeSignal(signal)
	if err != nil {
		return err
	}
	return c.send(Frame{Type: FrameSignal, Payload: payload})
}

// Spawn asks the daemon to start a process after the previous one
// exited. A nil spec reruns the session's command. The daemon answers
// a spawn while a process is running with an ERROR notice.
func (c *Client) Spawn(spec *SpawnSpec) error {
	if c.role != RoleCoordinator {
		return ErrNotCoordinator
	}
	payload, err := EncodeSpawn(spec)
	if err != nil {
		return err
	}
	return c.send(Frame{Type: FrameSpawn, Payload: payload})
}

// Close disconnects and waits for the read goroutine to finish.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closedLocally.Store(true)
		c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) send(frame Frame) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return WriteFrame(c.conn, frame)
}

func (c *Client) readLoop(reader *bufio.Reader) {
	var err error
	defer func() {
		if c.closedLocally.Load() {
			err = nil
		}
		c.err = err
		c.conn.Close()
		close(c.done)
	}()

	for {
		var frame Frame
		frame, err = ReadFrame(reader)
		if err != nil {
			return
		}
		switch frame.Type {
		case FrameData:
			var output Output
			output, err = DecodeOutput(frame.Payload)
			if err != nil {
				return
			}
			c.lastSequence.Store(output.Sequence)
			c.deliverOutput(output)
		case FrameExit:
			var status ExitStatus
			if err = decodePayload(frame, &status); err != nil {
				return
			}
			c.deliverExit(status)
		case FrameError:
			var notice ErrorNotice
			if err = decodePayload(frame, &notice); err != nil {
				return
			}
			c.logger.Debug("daemon error notice", "code", notice.Code, "message", notice.Message)
			c.deliverMutex.Lock()
			if c.onError != nil {
				c.onError(notice)
			}
			c.deliverMutex.Unlock()
		default:
			err = protocolErrorf("unexpected %s frame from daemon", frame.Type)
			return
		}
	}
}

func (c *Client) deliverOutput(output Output) {
	c.deliverMutex.Lock()
	defer c.deliverMutex.Unlock()
	if c.onData != nil {
		c.onData(output)
		return
	}

	c.pendingOutput = append(c.pendingOutput, output)
	c.pendingBytes += len(output.Data)
	// The newest chunk is always kept, even when it alone is over
	// the limit.
	for c.pendingBytes > c.pendingLimit && len(c.pendingOutput)-c.pendingHead > 1 {
		c.pendingBytes -= len(c.pendingOutput[c.pendingHead].Data)
		c.pendingOutput[c.pendingHead] = Output{}
		c.pendingHead++
		c.droppedOutput++
	}
	if c.pendingHead > len(c.pendingOutput)/2 {
		c.pendingOutput = append(c.pendingOutput[:0:0], c.pendingOutput[c.pendingHead:]...)
		c.pendingHead = 0
	}
}

func (c *Client) deliverExit(status ExitStatus) {
	c.deliverMutex.Lock()
	defer c.deliverMutex.Unlock()
	c.lastExit = &status
	if c.onExit != nil {
		c.onExit(status)
	}
}
