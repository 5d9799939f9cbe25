// Package store persists the daemon's per-file ingestion state and its retry
// queue so both survive restarts. Values are CBOR encoded and kept in either
// Badger (default) or bbolt.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/retry"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// Key prefixes for different data types
const (
	prefixFile  = "f:" // FileState by absolute path
	prefixRetry = "r:" // retry.Entry by absolute path
	prefixMeta  = "m:" // Metadata (schema)
)

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendBolt   = "bolt"
)

// ErrNotFound is returned when no state exists for a path.
var ErrNotFound = types.ErrNoState

var errStopScan = errors.New("stop scan")

// Store holds FileState and retry entries.
type Store struct {
	kv      backend
	name    string
	path    string
	now     func() time.Time
	version atomic.Int32
}

// Open opens the named backend at path. A fresh store is stamped with the
// current schema; an existing one is left for Migrate.
func Open(name, path string) (*Store, error) {
	var (
		kv  backend
		err error
	)
	switch strings.ToLower(name) {
	case BackendBadger, "":
		name = BackendBadger
		kv, err = openBadger(path)
	case BackendBolt:
		kv, err = openBolt(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s state store at %s: %w", name, path, err)
	}

	s := &Store{kv: kv, name: name, path: path, now: time.Now}
	schema := s.GetSchema()
	switch {
	case schema != nil:
		s.version.Store(int32(schema.Version))
	case s.hasAnyEntries():
		s.version.Store(1)
	default:
		if err := s.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: s.now()}); err != nil {
			kv.close()
			return nil, err
		}
		s.version.Store(CurrentSchemaVersion)
	}
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.kv.close()
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return s.name
}

// Path returns the on-disk location.
func (s *Store) Path() string {
	return s.path
}

func fileKey(path string) []byte  { return []byte(prefixFile + path) }
func retryKey(path string) []byte { return []byte(prefixRetry + path) }

// Get returns the state for path, or ErrNotFound.
func (s *Store) Get(path string) (*types.FileState, error) {
	var state types.FileState
	err := s.kv.view(func(r reader) error {
		val, err := r.get(fileKey(path))
		if err != nil {
			return err
		}
		return s.decode(val, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Put stores state, stamping UpdatedAt.
func (s *Store) Put(state *types.FileState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	state.UpdatedAt = s.now()
	data, err := s.encode(state)
	if err != nil {
		return err
	}
	return s.kv.update(func(w writer) error {
		return w.set(fileKey(state.Path), data)
	})
}

// Delete removes the state for path. Deleting a missing path is not an error.
func (s *Store) Delete(path string) error {
	return s.kv.update(func(w writer) error {
		return w.delete(fileKey(path))
	})
}

// Rename moves the state of oldPath to newPath in one transaction and
// reports whether there was anything to move.
func (s *Store) Rename(oldPath, newPath string) (bool, error) {
	var moved bool
	err := s.kv.update(func(w writer) error {
		val, err := w.get(fileKey(oldPath))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var state types.FileState
		if err := s.decode(val, &state); err != nil {
			return err
		}
		state.Path = newPath
		state.UpdatedAt = s.now()
		data, err := s.encode(&state)
		if err != nil {
			return err
		}
		if err := w.set(fileKey(newPath), data); err != nil {
			return err
		}
		moved = true
		return w.delete(fileKey(oldPath))
	})
	return moved, err
}

// List returns every stored state ordered by path.
func (s *Store) List() ([]types.FileState, error) {
	var out []types.FileState
	err := s.kv.view(func(r reader) error {
		return r.scan([]byte(prefixFile), func(_, val []byte) error {
			var state types.FileState
			if err := s.decode(val, &state); err != nil {
				return err
			}
			out = append(out, state)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}

// ListUnder returns the states of files under root.
func (s *Store) ListUnder(root string) ([]types.FileState, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if IsPathUnderRoot(st.Path, root) {
			out = append(out, st)
		}
	}
	return out, nil
}

// Count returns the number of tracked files.
func (s *Store) Count() (int, error) {
	var n int
	err := s.kv.view(func(r reader) error {
		return r.scan([]byte(prefixFile), func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// SaveRetry implements retry.Persister.
func (s *Store) SaveRetry(e retry.Entry) error {
	data, err := s.encode(&e)
	if err != nil {
		return err
	}
	return s.kv.update(func(w writer) error {
		return w.set(retryKey(e.Path), data)
	})
}

// DeleteRetry implements retry.Persister.
func (s *Store) DeleteRetry(path string) error {
	return s.kv.update(func(w writer) error {
		return w.delete(retryKey(path))
	})
}

// LoadRetries implements retry.Persister.
func (s *Store) LoadRetries() ([]retry.Entry, error) {
	var out []retry.Entry
	err := s.kv.view(func(r reader) error {
		return r.scan([]byte(prefixRetry), func(_, val []byte) error {
			var e retry.Entry
			if err := s.decode(val, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// encode writes v in the store's current format.
func (s *Store) encode(v any) ([]byte, error) {
	if s.version.Load() < 2 {
		return encodeJSON(v)
	}
	return encodeCBOR(v)
}

// decode reads a value written in the store's current format.
func (s *Store) decode(val []byte, v any) error {
	if s.version.Load() < 2 {
		return decodeJSON(val, v)
	}
	return decodeCBOR(val, v)
}

// IsPathUnderRoot checks if path is under root.
func IsPathUnderRoot(path, root string) bool {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(path)
	return strings.HasPrefix(cleanPath, cleanRoot+string(filepath.Separator)) || cleanPath == cleanRoot
}
