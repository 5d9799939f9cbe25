// Package broadcaster manages subscribers and distributes pipeline events.
package broadcaster

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// Subscriber represents a client subscribed to pipeline events.
type Subscriber struct {
	ID    string
	Root  string
	Kinds []types.EventKind
	// Events is closed on Unsubscribe or Close.
	Events chan *types.Event

	dropped atomic.Int64
}

// Dropped returns how many events were discarded because Events was full.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Broadcaster manages subscribers and distributes events. A slow subscriber
// loses events rather than blocking the pipeline.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	now         func() time.Time
	published   atomic.Int64
}

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		now:         time.Now,
	}
}

// Subscribe registers interest in events under root (empty for all) of the
// given kinds (empty for all). It returns nil after Close.
func (b *Broadcaster) Subscribe(root string, kinds []types.EventKind) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Root:   root,
		Kinds:  kinds,
		Events: make(chan *types.Event, DefaultBuffer),
	}

	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Publish assigns an ID and time to ev when missing and sends a copy to
// every matching subscriber.
func (b *Broadcaster) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		if !matches(sub, &ev) {
			continue
		}
		event := ev
		select {
		case sub.Events <- &event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// matches checks if an event matches a subscriber's filters.
func matches(sub *Subscriber, ev *types.Event) bool {
	if sub.Root != "" && !under(ev.Path, sub.Root) && (ev.OldPath == "" || !under(ev.OldPath, sub.Root)) {
		return false
	}
	if len(sub.Kinds) == 0 {
		return true
	}
	for _, k := range sub.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

func under(path, root string) bool {
	if !strings.HasPrefix(path, root) {
		return false
	}
	// Ensure it's actually under the root (not just a prefix match)
	return len(path) == len(root) || path[len(root)] == filepath.Separator || strings.HasSuffix(root, string(filepath.Separator))
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns the number of events accepted since New.
func (b *Broadcaster) Published() int64 {
	return b.published.Load()
}
