package logging

import "sync"

// DefaultRingSize is the default number of retained entries.
const DefaultRingSize = 50

// Ring is a fixed-size buffer of recent entries. When full, the oldest entry
// is overwritten.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	start   int
	count   int
}

// NewRing returns a ring holding at most size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

// Add appends an entry.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % len(r.entries)
	r.entries[idx] = e
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
}

// Last returns the newest n entries, oldest first. A non-positive n returns
// everything.
func (r *Ring) Last(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Entry, n)
	skip := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.start+skip+i)%len(r.entries)]
	}
	return out
}

// Len returns the number of entries held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
