// Package types provides the core data types shared by the hindsight ingestion
// pipeline: per-file ingestion state, change classification, conversations and
// their messages, plus the enumerations used to describe where content came from
// and how logical duplicates are resolved.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Digest is a lowercase hex-encoded 256-bit content digest.
type Digest string

// String returns the digest as a plain string.
func (d Digest) String() string {
	return string(d)
}

// Short returns the first 12 characters of the digest for display.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// FileState records how much of a watched file has been durably ingested.
// It is keyed by absolute path and survives process restarts.
type FileState struct {
	// Path is the absolute path of the watched file.
	Path string `json:"path" cbor:"1,keyasint"`

	// LastOffset is the byte offset through which content has been ingested.
	LastOffset uint64 `json:"last_offset" cbor:"2,keyasint"`

	// LastLine is the number of records ingested so far.
	LastLine uint64 `json:"last_line" cbor:"3,keyasint"`

	// FileSize is the file size at the last successful observation.
	FileSize uint64 `json:"file_size" cbor:"4,keyasint"`

	// PartialHash is the digest of bytes [0, LastOffset).
	PartialHash Digest `json:"partial_hash" cbor:"5,keyasint"`

	// ConversationID is the conversation the file's content resolved to.
	ConversationID string `json:"conversation_id,omitempty" cbor:"6,keyasint,omitempty"`

	// UpdatedAt is when the state was last written.
	UpdatedAt time.Time `json:"updated_at" cbor:"7,keyasint"`
}

// Validate reports whether the state satisfies its structural invariant.
func (s *FileState) Validate() error {
	if s.LastOffset > s.FileSize {
		return fmt.Errorf("file state %s: offset %d beyond size %d", s.Path, s.LastOffset, s.FileSize)
	}
	return nil
}

// ChangeType classifies how a file changed since it was last observed.
type ChangeType int

const (
	// Unchanged means the previously ingested content and size are identical.
	Unchanged ChangeType = iota
	// Append means bytes were only added after the ingested boundary.
	Append
	// Rewrite means ingested content was altered or the file shrank.
	Rewrite
)

// String returns the lowercase name of the change type.
func (c ChangeType) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case Append:
		return "append"
	case Rewrite:
		return "rewrite"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// SourceType identifies how content entered the system.
type SourceType string

const (
	SourceWatch  SourceType = "watch"
	SourceUpload SourceType = "upload"
	SourceCLI    SourceType = "cli"
)

// UpdateMode governs what happens when a conversation with the same session
// identity already exists but its content differs.
type UpdateMode string

const (
	// ModeSkip leaves the existing conversation untouched.
	ModeSkip UpdateMode = "skip"
	// ModeReplace discards existing messages and writes the new set.
	ModeReplace UpdateMode = "replace"
	// ModeAppend adds new messages after the existing ones.
	ModeAppend UpdateMode = "append"
)

// ParseUpdateMode parses a mode name, case-insensitively.
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch m := UpdateMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSkip, ModeReplace, ModeAppend:
		return m, nil
	default:
		return "", fmt.Errorf("unknown update mode %q (want skip, replace or append)", s)
	}
}

// Message is one record extracted from a log file.
type Message struct {
	// Seq is the zero-based position of the message within its conversation.
	Seq int64 `json:"seq"`

	// Line is the 1-based record number within the source file.
	Line uint64 `json:"line"`

	// UUID is the record's own identifier, when the log provides one.
	UUID string `json:"uuid,omitempty"`

	// Type is the record type (user, assistant, summary, ...).
	Type string `json:"type,omitempty"`

	// Role is the speaker role, when present.
	Role string `json:"role,omitempty"`

	// Timestamp is the record timestamp, when present.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Raw is the original JSON record.
	Raw json.RawMessage `json:"raw"`
}

// Conversation is the parsed content of a log file or a slice of it.
type Conversation struct {
	// SessionID is the logical session identity shared by all records.
	SessionID string `json:"session_id"`

	// Agent names the tool that produced the log.
	Agent string `json:"agent,omitempty"`

	// SourcePath is the file the content was read from.
	SourcePath string `json:"source_path"`

	// Messages holds the parsed records in file order.
	Messages []Message `json:"messages"`

	// StartedAt is the earliest message timestamp seen.
	StartedAt time.Time `json:"started_at,omitempty"`
}

// FormatSize converts a byte count to a human-readable IEC string.
func FormatSize(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// ParseSize parses strings like "10MB" or "1GiB" into a byte count.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid size: empty string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
