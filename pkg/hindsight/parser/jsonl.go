package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/hasher"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// JSONL parses line-delimited JSON logs where each line is one record.
//
// Only newline-terminated lines are consumed. A trailing line without a
// newline is consumed only when it is already a complete JSON value, so a
// record caught mid-flush is left for the next pass.
type JSONL struct {
	hasher    *hasher.Hasher
	extension string
	agent     string
}

// JSONLOption configures a JSONL parser.
type JSONLOption func(*JSONL)

// WithExtension sets the file suffix the parser accepts.
func WithExtension(ext string) JSONLOption {
	return func(p *JSONL) {
		p.extension = ext
	}
}

// WithAgent sets the agent name recorded on parsed conversations.
func WithAgent(agent string) JSONLOption {
	return func(p *JSONL) {
		p.agent = agent
	}
}

// NewJSONL returns a JSONL parser hashing with h.
func NewJSONL(h *hasher.Hasher, opts ...JSONLOption) *JSONL {
	p := &JSONL{
		hasher:    h,
		extension: ".jsonl",
		agent:     "claude-code",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Parser.
func (p *JSONL) Name() string {
	return "jsonl"
}

// Match implements Parser.
func (p *JSONL) Match(path string) bool {
	return strings.EqualFold(filepath.Ext(path), p.extension)
}

// Parse implements Parser.
func (p *JSONL) Parse(ctx context.Context, path string) (*Result, error) {
	return p.ParseIncremental(ctx, path, 0, 0)
}

// record holds the fields the pipeline cares about. Everything else is kept
// verbatim in Message.Raw.
type record struct {
	Type       string `json:"type"`
	UUID       string `json:"uuid"`
	SessionID  string `json:"sessionId"`
	SessionAlt string `json:"session_id"`
	Timestamp  string `json:"timestamp"`
	Role       string `json:"role"`
	Message    *struct {
		Role string `json:"role"`
	} `json:"message"`
}

// ParseIncremental implements Parser.
func (p *JSONL) ParseIncremental(ctx context.Context, path string, offset, line uint64) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", hasher.ErrNotFound, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", hasher.ErrIsDirectory, path)
	}
	size := uint64(info.Size())
	if offset > size {
		return nil, fmt.Errorf("%w: %s offset %d size %d", ErrOffsetBeyondEOF, path, offset, size)
	}

	hh := p.hasher.NewHash()
	if offset > 0 {
		if _, err := io.CopyN(hh, f, int64(offset)); err != nil {
			return nil, fmt.Errorf("hashing ingested prefix of %s: %w", path, err)
		}
	}

	// Bytes appended after the stat are left for the next pass so that
	// LastOffset never exceeds FileSize.
	reader := bufio.NewReaderSize(io.LimitReader(f, int64(size-offset)), hasher.ChunkSize)

	conv := types.Conversation{
		Agent:      p.agent,
		SourcePath: path,
	}
	consumed := offset
	records := line

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, readErr := reader.ReadBytes('\n')
		if len(raw) == 0 && readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading %s: %w", path, readErr)
		}

		complete := raw[len(raw)-1] == '\n'
		body := bytes.TrimSpace(raw)

		if !complete {
			if readErr != io.EOF {
				return nil, fmt.Errorf("reading %s: %w", path, readErr)
			}
			if len(body) == 0 || !json.Valid(body) {
				break
			}
		}

		if len(body) > 0 {
			msg, sessionID, err := decodeRecord(body, records+1)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %v", ErrMalformedRecord, path, records+1, err)
			}
			records++
			if conv.SessionID == "" && sessionID != "" {
				conv.SessionID = sessionID
			}
			if !msg.Timestamp.IsZero() && (conv.StartedAt.IsZero() || msg.Timestamp.Before(conv.StartedAt)) {
				conv.StartedAt = msg.Timestamp
			}
			conv.Messages = append(conv.Messages, msg)
		}

		hh.Write(raw)
		consumed += uint64(len(raw))

		if !complete {
			break
		}
	}

	if conv.SessionID == "" {
		conv.SessionID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &Result{
		Conversation: conv,
		LastOffset:   consumed,
		LastLine:     records,
		FileSize:     size,
		PartialHash:  hasher.Sum(hh),
	}, nil
}

func decodeRecord(body []byte, lineNo uint64) (types.Message, string, error) {
	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return types.Message{}, "", err
	}

	msg := types.Message{
		Line: lineNo,
		UUID: rec.UUID,
		Type: rec.Type,
		Role: rec.Role,
		Raw:  json.RawMessage(append([]byte(nil), body...)),
	}
	if msg.Role == "" && rec.Message != nil {
		msg.Role = rec.Message.Role
	}
	if rec.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
			msg.Timestamp = ts.UTC()
		}
	}

	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = rec.SessionAlt
	}
	return msg, sessionID, nil
}
