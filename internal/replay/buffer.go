// Package replay implements the bounded per-session ring of recently dispatched events used to satisfy Resume
// (spec §4.B). A Buffer is single-writer (its owning Session, under the Session's mutex) and multi-reader (the
// resume handler); readers always operate on a point-in-time snapshot taken under lock.
package replay

import (
	"encoding/json"
	"sync"

	"github.com/emberline-chat/gateway/internal/protocol"
)

type entry struct {
	seq   int64
	frame []byte
}

// Buffer is a bounded, FIFO-evicting ring of (seq, frame) pairs.
type Buffer struct {
	mu       sync.Mutex
	entries  []entry
	capacity int
	lastSeq  int64
}

// NewBuffer creates an empty buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{capacity: capacity}
}

// Append assigns the next sequence number, builds the dispatch frame for it, and inserts it into the buffer,
// evicting the oldest entry if the buffer is at capacity. It returns the assigned sequence number and the serialised
// frame ready to enqueue to the Connection.
func (b *Buffer) Append(eventType protocol.DispatchEvent, payload json.RawMessage) (int64, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.lastSeq + 1
	frame, err := protocol.NewDispatchFrame(seq, eventType, payload)
	if err != nil {
		return 0, nil, err
	}

	b.lastSeq = seq
	b.entries = append(b.entries, entry{seq: seq, frame: frame})
	if len(b.entries) > b.capacity {
		// Evict the oldest entry. The slice is small (capacity is bounded), so a copy is cheap and keeps the
		// backing array from growing unboundedly across the session's lifetime.
		b.entries = append([]entry(nil), b.entries[len(b.entries)-b.capacity:]...)
	}

	return seq, frame, nil
}

// LastSeq returns the most recently assigned sequence number, or 0 if none has been assigned.
func (b *Buffer) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Since returns the serialised frames with sequence numbers strictly greater than afterSeq, in order. ok is false
// (a MissingRange) when afterSeq is ahead of the buffer's last sequence, or when the first missing event has
// already been evicted.
func (b *Buffer) Since(afterSeq int64) (frames [][]byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if afterSeq > b.lastSeq {
		return nil, false
	}
	if afterSeq == b.lastSeq {
		return nil, true
	}
	if len(b.entries) > 0 {
		oldest := b.entries[0].seq
		if afterSeq+1 < oldest {
			return nil, false
		}
	}

	result := make([][]byte, 0, len(b.entries))
	for _, e := range b.entries {
		if e.seq > afterSeq {
			result = append(result, e.frame)
		}
	}
	return result, true
}
