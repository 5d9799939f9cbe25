// Package retry holds files whose last processing attempt failed and
// schedules re-attempts with exponential backoff and an attempt ceiling.
package retry

import (
	"sort"
	"sync"
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
)

// Growth is the backoff multiplier between successive attempts.
const Growth = 3

// maxBackoff bounds a single delay so large attempt counts cannot overflow.
const maxBackoff = 30 * 24 * time.Hour

// Entry is one file in backoff.
type Entry struct {
	Path        string    `json:"path" cbor:"1,keyasint"`
	Attempts    uint32    `json:"attempts" cbor:"2,keyasint"`
	LastError   string    `json:"last_error" cbor:"3,keyasint"`
	NextRetry   time.Time `json:"next_retry" cbor:"4,keyasint"`
	FirstFailed time.Time `json:"first_failed" cbor:"5,keyasint"`
}

// Persister stores entries so a restart does not lose backoff state.
type Persister interface {
	SaveRetry(e Entry) error
	DeleteRetry(path string) error
	LoadRetries() ([]Entry, error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithPersister mirrors every mutation to p.
func WithPersister(p Persister) Option {
	return func(q *Queue) {
		q.persister = p
	}
}

// WithExhaustedHandler registers fn to be called for each entry evicted
// after reaching the attempt ceiling.
func WithExhaustedHandler(fn func(Entry)) Option {
	return func(q *Queue) {
		q.onExhausted = fn
	}
}

// Queue is safe for concurrent use. Its lock guards only the entry map;
// persistence and callbacks run after it is released.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry

	base       time.Duration
	maxRetries uint32

	now         func() time.Time
	persister   Persister
	onExhausted func(Entry)
}

// New returns a queue whose first retry happens base after the first failure
// and which gives up on a path after maxRetries failed attempts.
func New(base time.Duration, maxRetries uint32, opts ...Option) *Queue {
	q := &Queue{
		entries:    make(map[string]*Entry),
		base:       base,
		maxRetries: maxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Backoff returns base * Growth^(attempts-1).
func Backoff(base time.Duration, attempts uint32) time.Duration {
	if attempts == 0 {
		return 0
	}
	d := base
	for i := uint32(1); i < attempts; i++ {
		if d > maxBackoff/Growth {
			return maxBackoff
		}
		d *= Growth
	}
	return min(d, maxBackoff)
}

// Restore loads persisted entries, replacing anything in memory.
func (q *Queue) Restore() (int, error) {
	if q.persister == nil {
		return 0, nil
	}
	loaded, err := q.persister.LoadRetries()
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*Entry, len(loaded))
	for i := range loaded {
		e := loaded[i]
		if e.Attempts > q.maxRetries {
			e.Attempts = q.maxRetries
		}
		q.entries[e.Path] = &e
	}
	return len(q.entries), nil
}

// Add records a failed attempt for path and reschedules it.
func (q *Queue) Add(path string, cause error) Entry {
	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	q.mu.Lock()
	e, ok := q.entries[path]
	if !ok {
		e = &Entry{Path: path, FirstFailed: now}
		q.entries[path] = e
	}
	if e.Attempts < q.maxRetries || q.maxRetries == 0 {
		e.Attempts++
	}
	e.LastError = msg
	e.NextRetry = now.Add(Backoff(q.base, e.Attempts))
	snapshot := *e
	q.mu.Unlock()

	q.save(snapshot)
	return snapshot
}

// Ready evicts every exhausted entry and returns the entries whose retry
// time has arrived. Returned entries stay queued until Remove.
func (q *Queue) Ready() []Entry {
	now := q.now()

	var ready, exhausted []Entry
	q.mu.Lock()
	for path, e := range q.entries {
		if e.Attempts >= q.maxRetries {
			exhausted = append(exhausted, *e)
			delete(q.entries, path)
			continue
		}
		if !e.NextRetry.After(now) {
			ready = append(ready, *e)
		}
	}
	q.mu.Unlock()

	for _, e := range exhausted {
		q.delete(e.Path)
		logging.Get("retry").Warn("retries exhausted", "path", e.Path, "attempts", e.Attempts, "error", e.LastError)
		if q.onExhausted != nil {
			q.onExhausted(e)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextRetry.Before(ready[j].NextRetry)
	})
	return ready
}

// Remove drops path from the queue.
func (q *Queue) Remove(path string) {
	q.mu.Lock()
	_, ok := q.entries[path]
	delete(q.entries, path)
	q.mu.Unlock()

	if ok {
		q.delete(path)
	}
}

// Get returns the entry for path.
func (q *Queue) Get(path string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of queued paths.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns all entries ordered by next retry time.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetry.Equal(out[j].NextRetry) {
			return out[i].Path < out[j].Path
		}
		return out[i].NextRetry.Before(out[j].NextRetry)
	})
	return out
}

// MaxRetries returns the attempt ceiling.
func (q *Queue) MaxRetries() uint32 {
	return q.maxRetries
}

func (q *Queue) save(e Entry) {
	if q.persister == nil {
		return
	}
	if err := q.persister.SaveRetry(e); err != nil {
		logging.Get("retry").Warn("failed to persist retry entry", "path", e.Path, "error", err)
	}
}

func (q *Queue) delete(path string) {
	if q.persister == nil {
		return
	}
	if err := q.persister.DeleteRetry(path); err != nil {
		logging.Get("retry").Warn("failed to delete retry entry", "path", path, "error", err)
	}
}
