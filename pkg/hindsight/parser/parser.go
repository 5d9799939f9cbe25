// Package parser defines the contract between the ingestion pipeline and the
// format-specific readers that turn log files into conversations.
//
// A parser must support two entry points that are observably equivalent in
// total yield: a full parse from byte zero, and an incremental parse that
// resumes at a previously returned offset and line and returns only the records
// appended since then.
package parser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

var (
	// ErrMalformedRecord marks content the parser cannot recover from. It is
	// a permanent data error; retrying the same bytes will fail again.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrOffsetBeyondEOF is returned when an incremental parse is asked to
	// resume past the end of the file.
	ErrOffsetBeyondEOF = errors.New("offset beyond end of file")

	// ErrNoParser is returned when no registered parser accepts a path.
	ErrNoParser = errors.New("no parser for file")
)

// Result is the output of a full or incremental parse.
type Result struct {
	// Conversation holds the records read by this call only.
	Conversation types.Conversation

	// LastOffset is the byte offset through which records were consumed.
	LastOffset uint64

	// LastLine is the total number of records consumed from byte zero.
	LastLine uint64

	// FileSize is the size of the file when it was read.
	FileSize uint64

	// PartialHash is the digest of bytes [0, LastOffset).
	PartialHash types.Digest
}

// State converts the result into the FileState to persist after a successful
// ingestion.
func (r *Result) State(path string) types.FileState {
	return types.FileState{
		Path:        path,
		LastOffset:  r.LastOffset,
		LastLine:    r.LastLine,
		FileSize:    r.FileSize,
		PartialHash: r.PartialHash,
	}
}

// Parser reads one log format.
type Parser interface {
	// Name identifies the parser in logs and job records.
	Name() string

	// Match reports whether the parser handles the file at path.
	Match(path string) bool

	// Parse reads the whole file from byte zero.
	Parse(ctx context.Context, path string) (*Result, error)

	// ParseIncremental resumes at offset, where line records were already
	// consumed, and returns only the records after it.
	ParseIncremental(ctx context.Context, path string, offset, line uint64) (*Result, error)
}

// Registry holds the parsers available to a pipeline. Lookup order is
// registration order.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
}

// NewRegistry returns a registry holding the given parsers.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// Register appends a parser.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, p)
}

// Lookup returns the first parser that matches path.
func (r *Registry) Lookup(path string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if p.Match(path) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoParser, path)
}

// Names returns the registered parser names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		names[i] = p.Name()
	}
	return names
}
