// Package inflight tracks paths that are currently being ingested so that at
// most one goroutine processes a given path at any instant.
package inflight

import (
	"sort"
	"sync"
)

// Set is a mutex-guarded set of paths. The zero value is not usable; call New.
type Set struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// New returns an empty set.
func New() *Set {
	return &Set{paths: make(map[string]struct{})}
}

// TryAcquire claims path. It returns ok=false without blocking when another
// goroutine holds the path. On success the returned release function must be
// called exactly once; extra calls are no-ops.
func (s *Set) TryAcquire(path string) (release func(), ok bool) {
	s.mu.Lock()
	if _, busy := s.paths[path]; busy {
		s.mu.Unlock()
		return func() {}, false
	}
	s.paths[path] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.paths, path)
			s.mu.Unlock()
		})
	}, true
}

// Contains reports whether path is held.
func (s *Set) Contains(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paths[path]
	return ok
}

// Len returns the number of held paths.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Paths returns the held paths in sorted order.
func (s *Set) Paths() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
