package ingest

import "fmt"

// Kind classifies an ingestion outcome.
type Kind int

const (
	// Success means content was written.
	Success Kind = iota + 1
	// Duplicate means the content was already present. It is not a failure.
	Duplicate
	// Failed means nothing was written; Err holds the cause.
	Failed
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Duplicate:
		return "duplicate"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Handle identifies the conversation an ingestion resolved to.
type Handle struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	// MessageCount is the conversation's total after the call.
	MessageCount int64 `json:"message_count"`
	// Added is the number of messages written by this call.
	Added int64 `json:"added"`
	// Created is set when the call created the conversation.
	Created bool `json:"created"`
}

// Outcome is the result of Ingest. Callers branch on Kind.
type Outcome struct {
	Kind   Kind
	Handle Handle
	// Reason explains a Duplicate.
	Reason string
	Err    error
}

// OK reports whether the outcome leaves the content durably present.
func (o Outcome) OK() bool {
	return o.Kind == Success || o.Kind == Duplicate
}

func succeeded(h Handle) Outcome {
	return Outcome{Kind: Success, Handle: h}
}

func duplicate(h Handle, reason string) Outcome {
	return Outcome{Kind: Duplicate, Handle: h, Reason: reason}
}

func failed(err error) Outcome {
	return Outcome{Kind: Failed, Err: err}
}
