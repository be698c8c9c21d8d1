// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"encoding/binary"
	"fmt"
	"io"
	"syscall"

	"github.com/bureau-foundation/holdfast/lib/codec"
)

// FrameType is the one-byte tag at the start of every frame.
type FrameType byte

// Frame types. Every frame is a 5-byte header (type, then the payload
// length as a big-endian uint32) followed by the payload.
const (
	// FrameHandshake opens a connection. Client to daemon the payload
	// is a CBOR HandshakeRequest; the daemon answers with a CBOR
	// HandshakeAck before any replayed output.
	FrameHandshake FrameType = 0x01

	// FrameData carries terminal bytes. Client to daemon the payload is
	// raw input. Daemon to client it is an 8-byte big-endian sequence
	// number followed by the output chunk (see EncodeOutput).
	FrameData FrameType = 0x02

	// FrameResize carries columns then rows, each a big-endian uint16.
	FrameResize FrameType = 0x03

	// FrameSignal carries one byte, a signal number from 1 to 31,
	// delivered to the child's process group.
	FrameSignal FrameType = 0x04

	// FrameSpawn asks the daemon to start the process again after it
	// exited. An empty payload reuses the original SpawnSpec; otherwise
	// the payload is a CBOR SpawnSpec.
	FrameSpawn FrameType = 0x05

	// FrameExit is broadcast when the child exits. CBOR ExitStatus.
	FrameExit FrameType = 0x06

	// FrameError is a CBOR ErrorNotice sent to one connection.
	FrameError FrameType = 0x07
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "HANDSHAKE"
	case FrameData:
		return "DATA"
	case FrameResize:
		return "RESIZE"
	case FrameSignal:
		return "SIGNAL"
	case FrameSpawn:
		return "SPAWN"
	case FrameExit:
		return "EXIT"
	case FrameError:
		return "ERROR"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", byte(t))
	}
}

func (t FrameType) valid() bool {
	return t >= FrameHandshake && t <= FrameError
}

const frameHeaderLength = 5

// MaxPayloadLength is the largest payload a frame may declare. A
// header claiming more is malformed.
const MaxPayloadLength = 4 * 1024 * 1024

// sequenceLength prefixes daemon-to-client DATA payloads.
const sequenceLength = 8

// Frame is one protocol message.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// AppendFrame appends the encoded frame to buffer.
func AppendFrame(buffer []byte, frame Frame) []byte {
	buffer = append(buffer, byte(frame.Type), 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buffer[len(buffer)-4:], uint32(len(frame.Payload)))
	return append(buffer, frame.Payload...)
}

// WriteFrame encodes frame and writes it with a single Write call, so
// frames written by concurrent writers to a stream socket never
// interleave.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxPayloadLength {
		return fmt.Errorf("%s payload of %d bytes exceeds maximum %d", frame.Type, len(frame.Payload), MaxPayloadLength)
	}
	buffer := AppendFrame(make([]byte, 0, frameHeaderLength+len(frame.Payload)), frame)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// ReadFrame reads one complete frame, blocking until all of it has
// arrived however the bytes were split on the wire. An unknown type or
// an oversized length returns a *ProtocolError; stream errors are
// returned wrapped (io.EOF at a frame boundary is returned as is).
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := FrameType(header[0])
	if !frameType.valid() {
		return Frame{}, protocolErrorf("unknown frame type 0x%02x", header[0])
	}
	payloadLength := binary.BigEndian.Uint32(header[1:])
	if payloadLength > MaxPayloadLength {
		return Frame{}, protocolErrorf("%s payload length %d exceeds maximum %d", frameType, payloadLength, MaxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// Role is the capability a connection asks for in its handshake.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleViewer      Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCoordinator || r == RoleViewer
}

// HandshakeRequest is the payload of the client's HANDSHAKE.
type HandshakeRequest struct {
	Role Role `cbor:"role"`

	// ResumeFrom is the first sequence number the client wants
	// replayed, normally one past the last it saw. Nil replays
	// everything retained.
	ResumeFrom *uint64 `cbor:"resume_from,omitempty"`
}

// HandshakeAck is the daemon's answer to a HANDSHAKE. Replayed output
// follows it immediately.
type HandshakeAck struct {
	SessionID string `cbor:"session_id"`
	Role      Role   `cbor:"role"`

	// Oldest is the first sequence number still retained. Next is the
	// number the next output chunk will receive.
	Oldest uint64 `cbor:"oldest"`
	Next   uint64 `cbor:"next"`

	// Gap is set when output the client asked for had already been
	// evicted, so the replay that follows is incomplete.
	Gap bool `cbor:"gap"`

	Columns uint16 `cbor:"columns"`
	Rows    uint16 `cbor:"rows"`
	Running bool   `cbor:"running"`
	PID     int    `cbor:"pid,omitempty"`
}

// SpawnSpec describes the process a session runs.
type SpawnSpec struct {
	// Command is the program and its arguments. Command[0] is looked
	// up in PATH.
	Command []string `cbor:"command"`

	// Dir is the working directory. Empty inherits the daemon's.
	Dir string `cbor:"dir,omitempty"`

	// Env is the complete environment in KEY=value form. Nil inherits
	// the daemon's environment.
	Env []string `cbor:"env,omitempty"`

	// Columns and Rows size the terminal at spawn. Zero keeps the
	// session's current size.
	Columns uint16 `cbor:"columns,omitempty"`
	Rows    uint16 `cbor:"rows,omitempty"`
}

// Validate checks that the spec names a command.
func (s SpawnSpec) Validate() error {
	if len(s.Command) == 0 || s.Command[0] == "" {
		return fmt.Errorf("spawn spec has no command")
	}
	return nil
}

// ExitStatus is the payload of EXIT.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a
	// signal.
	Code int `cbor:"code"`

	// Signal is the terminating signal number, or zero.
	Signal int `cbor:"signal,omitempty"`

	// Sequence is the number of the last output chunk the process
	// produced. Output up to and including it precedes this frame.
	Sequence uint64 `cbor:"sequence"`
}

// ErrorNotice is the payload of ERROR.
type ErrorNotice struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}

func (n ErrorNotice) Error() string {
	if n.Message == "" {
		return n.Code
	}
	return n.Code + ": " + n.Message
}

// Output is one sequence-numbered chunk of terminal output.
type Output struct {
	Sequence uint64
	Data     []byte
}

// EncodeOutput builds a daemon-to-client DATA payload.
func EncodeOutput(sequence uint64, data []byte) []byte {
	payload := make([]byte, sequenceLength+len(data))
	binary.BigEndian.PutUint64(payload, sequence)
	copy(payload[sequenceLength:], data)
	return payload
}

// DecodeOutput parses a daemon-to-client DATA payload. The returned
// Data aliases payload.
func DecodeOutput(payload []byte) (Output, error) {
	if len(payload) < sequenceLength {
		return Output{}, protocolErrorf("output payload is %d bytes, shorter than its sequence number", len(payload))
	}
	return Output{
		Sequence: binary.BigEndian.Uint64(payload),
		Data:     payload[sequenceLength:],
	}, nil
}

// EncodeResize builds a RESIZE payload.
func EncodeResize(columns, rows uint16) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], columns)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return payload
}

// DecodeResize parses a RESIZE payload. Zero dimensions are rejected.
func DecodeResize(payload []byte) (columns, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, protocolErrorf("resize payload must be 4 bytes, got %d", len(payload))
	}
	columns = binary.BigEndian.Uint16(payload[0:2])
	rows = binary.BigEndian.Uint16(payload[2:4])
	if columns == 0 || rows == 0 {
		return 0, 0, protocolErrorf("resize to %dx%d", columns, rows)
	}
	return columns, rows, nil
}

// EncodeSignal builds a SIGNAL payload.
func EncodeSignal(signal syscall.Signal) ([]byte, error) {
	if signal < 1 || signal > 31 {
		return nil, fmt.Errorf("signal %d outside 1..31", int(signal))
	}
	return []byte{byte(signal)}, nil
}

// DecodeSignal parses a SIGNAL payload.
func DecodeSignal(payload []byte) (syscall.Signal, error) {
	if len(payload) != 1 {
		return 0, protocolErrorf("signal payload must be 1 byte, got %d", len(payload))
	}
	if payload[0] < 1 || payload[0] > 31 {
		return 0, protocolErrorf("signal %d outside 1..31", payload[0])
	}
	return syscall.Signal(payload[0]), nil
}

// EncodeSpawn builds a SPAWN payload. A nil spec relaunches the
// session's original command.
func EncodeSpawn(spec *SpawnSpec) ([]byte, error) {
	if spec == nil {
		return nil, nil
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return codec.Marshal(spec)
}

// DecodeSpawn parses a SPAWN payload. It returns nil for an empty
// payload.
func DecodeSpawn(payload []byte) (*SpawnSpec, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var spec SpawnSpec
	if err := codec.Unmarshal(payload, &spec); err != nil {
		return nil, protocolErrorf("spawn payload: %v", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, protocolErrorf("spawn payload: %v", err)
	}
	return &spec, nil
}

// encodeFrame marshals value as the CBOR payload of a frame of type
// frameType.
func encodeFrame(frameType FrameType, value any) (Frame, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// decodePayload unmarshals a CBOR frame payload.
func decodePayload(frame Frame, value any) error {
	if err := codec.Unmarshal(frame.Payload, value); err != nil {
		return protocolErrorf("%s payload: %v", frame.Type, err)
	}
	return nil
}
