// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import "sync"

// DefaultRingBufferSize is the default output history capacity in
// bytes. A megabyte is several thousand screens of typical output.
const DefaultRingBufferSize = 1024 * 1024

// Entry is one retained output chunk.
type Entry struct {
	Sequence uint64
	Data     []byte
}

// Replay is the result of RingBuffer.Replay.
type Replay struct {
	// Entries are the retained chunks at or after the requested
	// sequence, oldest first. Their Data is a private copy.
	Entries []Entry

	// Gap is set when some output at or after the requested sequence
	// is no longer available: whole chunks were evicted, or the first
	// chunk returned was larger than the buffer and lost its head.
	Gap bool

	// Oldest is the first retained sequence number, or the next
	// sequence to be assigned when nothing is retained.
	Oldest uint64
}

// RingBuffer stores terminal output as sequence-numbered chunks under a
// byte budget. Sequence numbers start at 1, increase by exactly one per
// Append, and are never reused. When the budget is exceeded whole
// chunks are evicted oldest first.
//
// All methods are safe for concurrent use.
type RingBuffer struct {
	mutex    sync.Mutex
	capacity int

	// entries[head:] are retained, oldest first. The prefix is
	// reclaimed once it outgrows the live part.
	entries []ringEntry
	head    int

	size int
	next uint64
}

type ringEntry struct {
	Entry
	truncated bool
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes.
// A capacity below 1 uses DefaultRingBufferSize.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = DefaultRingBufferSize
	}
	return &RingBuffer{capacity: capacity, next: 1}
}

// Append stores a copy of data and returns its sequence number. A
// chunk larger than the whole buffer keeps only its last capacity
// bytes. Empty chunks are not stored and return 0.
func (ring *RingBuffer) Append(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}

	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	truncated := false
	if len(data) > ring.capacity {
		data = data[len(data)-ring.capacity:]
		truncated = true
	}

	sequence := ring.next
	ring.next++

	for ring.size+len(data) > ring.capacity && ring.head < len(ring.entries) {
		ring.size -= len(ring.entries[ring.head].Data)
		ring.entries[ring.head] = ringEntry{}
		ring.head++
	}
	if ring.head > len(ring.entries)/2 {
		ring.entries = append(ring.entries[:0:0], ring.entries[ring.head:]...)
		ring.head = 0
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	ring.entries = append(ring.entries, ringEntry{
		Entry:     Entry{Sequence: sequence, Data: stored},
		truncated: truncated,
	})
	ring.size += len(stored)
	return sequence
}

// Replay returns every retained chunk with a sequence number of at
// least from. From zero means from the oldest retained chunk. Calling
// Replay twice without an intervening Append yields identical results.
func (ring *RingBuffer) Replay(from uint64) Replay {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	oldest := ring.oldestLocked()
	result := Replay{Oldest: oldest}
	if from >= ring.next {
		return result
	}
	if from == 0 {
		from = oldest
	}
	if from < oldest {
		result.Gap = true
		from = oldest
	}

	live := ring.entries[ring.head:]
	if from-oldest >= uint64(len(live)) {
		return result
	}
	start := int(from - oldest)
	if live[start].truncated {
		result.Gap = true
	}

	result.Entries = make([]Entry, 0, len(live)-start)
	for _, entry := range live[start:] {
		data := make([]byte, len(entry.Data))
		copy(data, entry.Data)
		result.Entries = append(result.Entries, Entry{Sequence: entry.Sequence, Data: data})
	}
	return result
}

// Next returns the sequence number the next Append will assign.
func (ring *RingBuffer) Next() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.next
}

// Oldest returns the first retained sequence number, or Next when the
// buffer is empty.
func (ring *RingBuffer) Oldest() uint64 {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.oldestLocked()
}

// Size returns the number of bytes retained.
func (ring *RingBuffer) Size() int {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()
	return ring.size
}

// Capacity returns the byte budget.
func (ring *RingBuffer) Capacity() int { return ring.capacity }

func (ring *RingBuffer) oldestLocked() uint64 {
	if ring.head < len(ring.entries) {
		return ring.entries[ring.head].Sequence
	}
	return ring.next
}
