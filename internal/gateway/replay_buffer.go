package gateway

import "sync"

type replayEntry struct {
	seq    int64
	series string
	data   []byte // pre-built envelope JSON
}

// ReplayBuffer keeps the most recent envelopes across all series so a
// reconnecting client can ask for everything after the last seq it saw.
// Safe for concurrent use.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry
	next    int // next write position
	n       int
}

// NewReplayBuffer creates a buffer holding capacity envelopes (default 1000).
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ReplayBuffer{entries: make([]replayEntry, capacity)}
}

// Push records an envelope, overwriting the oldest when full. data is not
// copied; callers must not modify it afterwards.
func (rb *ReplayBuffer) Push(seq int64, series string, data []byte) {
	rb.mu.Lock()
	rb.entries[rb.next] = replayEntry{seq: seq, series: series, data: data}
	rb.next = (rb.next + 1) % len(rb.entries)
	if rb.n < len(rb.entries) {
		rb.n++
	}
	rb.mu.Unlock()
}

// Since returns envelopes with seq > after, oldest first, keeping only those
// whose series passes keep (nil keeps all).
func (rb *ReplayBuffer) Since(after int64, keep func(series string) bool) [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out [][]byte
	start := (rb.next - rb.n + len(rb.entries)) % len(rb.entries)
	for i := 0; i < rb.n; i++ {
		e := rb.entries[(start+i)%len(rb.entries)]
		if e.seq <= after {
			continue
		}
		if keep != nil && !keep(e.series) {
			continue
		}
		out = append(out, e.data)
	}
	return out
}

// Len returns the number of buffered envelopes.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}

// Oldest returns the smallest buffered seq, or 0 when empty.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.n == 0 {
		return 0
	}
	start := (rb.next - rb.n + len(rb.entries)) % len(rb.entries)
	return rb.entries[start].seq
}
