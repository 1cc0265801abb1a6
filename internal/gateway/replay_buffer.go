package gateway

import "sync"

type replayEntry struct {
	Seq     int64
	Channel string
	Data    []byte // complete envelope
}

// ReplayBuffer keeps the most recent envelopes so a reconnecting client can
// catch up from the last seq it saw.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	pos  int // next write position
	full bool
}

// NewReplayBuffer creates a replay buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ReplayBuffer{buf: make([]replayEntry, capacity)}
}

// Push appends an envelope, overwriting the oldest one when full.
func (rb *ReplayBuffer) Push(seq int64, channel string, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = replayEntry{Seq: seq, Channel: channel, Data: append([]byte(nil), data...)}
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
}

// Since returns the entries with Seq > seq, oldest first.
func (rb *ReplayBuffer) Since(seq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	n := rb.len()
	for i := 0; i < n; i++ {
		if e := rb.buf[rb.index(i)]; e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries currently held.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.len()
}

func (rb *ReplayBuffer) len() int {
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

// index converts a logical index (0 = oldest) to a physical one.
func (rb *ReplayBuffer) index(logical int) int {
	if rb.full {
		return (rb.pos + logical) % len(rb.buf)
	}
	return logical
}
