// Package filter decides which paths the ingestion pipeline considers. A path
// is accepted when its name carries the watched extension and it does not
// match any ignore pattern.
package filter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Filter matches candidate log files. It is immutable and safe for concurrent
// use.
type Filter struct {
	extension string
	ignore    []glob.Glob
	patterns  []string
}

// Option configures a Filter.
type Option func(*Filter) error

// WithIgnore adds glob patterns. Patterns use the path separator as the
// segment delimiter, so "**" crosses directories and "*" does not.
func WithIgnore(patterns ...string) Option {
	return func(f *Filter) error {
		for _, p := range patterns {
			g, err := glob.Compile(p, filepath.Separator)
			if err != nil {
				return fmt.Errorf("invalid ignore pattern %q: %w", p, err)
			}
			f.ignore = append(f.ignore, g)
			f.patterns = append(f.patterns, p)
		}
		return nil
	}
}

// New returns a filter for files ending in extension.
func New(extension string, opts ...Option) (*Filter, error) {
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	f := &Filter{extension: strings.ToLower(extension)}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Extension returns the watched suffix.
func (f *Filter) Extension() string {
	return f.extension
}

// HasExtension reports whether the name of path carries the watched suffix,
// ignoring ignore patterns.
func (f *Filter) HasExtension(path string) bool {
	if f.extension == "" {
		return true
	}
	return strings.ToLower(filepath.Ext(path)) == f.extension
}

// Ignored reports whether path matches an ignore pattern.
func (f *Filter) Ignored(path string) bool {
	for _, g := range f.ignore {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Match reports whether path should be ingested.
func (f *Filter) Match(path string) bool {
	return f.HasExtension(path) && !f.Ignored(path)
}

// MatchRename reports whether a rename from src to dst concerns the pipeline:
// at least one endpoint must be an accepted file.
func (f *Filter) MatchRename(src, dst string) bool {
	return f.Match(src) || f.Match(dst)
}

// SkipDir reports whether a directory should not be descended into.
func (f *Filter) SkipDir(path string) bool {
	return f.Ignored(path) || f.Ignored(path+string(filepath.Separator))
}

// Patterns returns the ignore patterns as given.
func (f *Filter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}
