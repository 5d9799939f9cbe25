package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoState is returned by state stores when a path has never been
// successfully ingested.
var ErrNoState = errors.New("no state for path")

// EventKind classifies a pipeline event.
type EventKind string

const (
	EventIngested  EventKind = "ingested"
	EventDuplicate EventKind = "duplicate"
	EventFailed    EventKind = "failed"
	EventExhausted EventKind = "exhausted"
	EventRenamed   EventKind = "renamed"
	EventRemoved   EventKind = "removed"
)

// ParseEventKind validates an event kind name.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case EventIngested, EventDuplicate, EventFailed, EventExhausted, EventRenamed, EventRemoved:
		return k, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// Event describes one thing the pipeline did to a file.
type Event struct {
	ID             string     `json:"id"`
	Time           time.Time  `json:"time"`
	Kind           EventKind  `json:"kind"`
	Path           string     `json:"path"`
	OldPath        string     `json:"old_path,omitempty"`
	Change         string     `json:"change,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Messages       int64      `json:"messages,omitempty"`
	Attempts       uint32     `json:"attempts,omitempty"`
	Error          string     `json:"error,omitempty"`
	Source         SourceType `json:"source,omitempty"`
}
