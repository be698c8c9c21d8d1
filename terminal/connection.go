// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DefaultOutboundQueue is the number of frame batches a connection may
// have waiting to be written before it is evicted.
const DefaultOutboundQueue = 256

// flushTimeout bounds the final write to a connection that is being
// closed after a protocol violation.
const flushTimeout = time.Second

type connectionState int

const (
	statePending connectionState = iota
	stateEstablished
)

func (s connectionState) String() string {
	if s == stateEstablished {
		return "established"
	}
	return "pending"
}

// connection is one client attachment. Everything except id, conn
// and outbound's receive side is owned by the daemon's event loop.
type connection struct {
	id          uint64
	conn        net.Conn
	logger      *slog.Logger
	connectedAt time.Time

	role         Role
	state        connectionState
	lastActivity time.Time
	closed       bool

	// outbound holds encoded frame batches. Only the event loop sends
	// on or closes it; the writer goroutine drains it.
	outbound chan []byte
}

func newConnection(id uint64, conn net.Conn, queueLength int, now time.Time, logger *slog.Logger) *connection {
	return &connection{
		id:           id,
		conn:         conn,
		logger:       logger.With("connection_id", id),
		connectedAt:  now,
		lastActivity: now,
		outbound:     make(chan []byte, queueLength),
	}
}

// enqueue queues batch without blocking. False means the queue is full
// and the connection must be evicted.
func (c *connection) enqueue(batch []byte) bool {
	select {
	case c.outbound <- batch:
		return true
	default:
		return false
	}
}

// readLoop turns incoming frames into events until the connection
// fails or the daemon stops.
func (c *connection) readLoop(d *Daemon) {
	reader := bufio.NewReaderSize(c.conn, 32*1024)
	for {
		frame, err := ReadFrame(reader)
		if err != nil {
			d.post(connectionFailed{connection: c, err: err})
			return
		}
		if !d.post(frameReceived{connection: c, frame: frame}) {
			return
		}
	}
}

// writeLoop drains outbound, closing the socket once the queue is
// closed or a write fails.
func (c *connection) writeLoop(d *Daemon) {
	defer c.conn.Close()
	for batch := range c.outbound {
		if _, err := c.conn.Write(batch); err != nil {
			d.post(connectionFailed{connection: c, err: fmt.Errorf("%w: %w", ErrBackpressure, err), write: true})
			return
		}
	}
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.id,
		Role:         c.role,
		State:        c.state.String(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}
