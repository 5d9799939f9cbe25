// Package indexer walks the watched tree with fastwalk, hands every matching
// file to the pipeline and prunes recorded files that are gone. It backs the
// startup catch-up scan and the periodic poll loop.
package indexer

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"

	"github.com/jamesainslie/hindsight/pkg/hindsight/filter"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// Progress reports scan progress.
type Progress struct {
	Path         string
	DirsScanned  int64
	FilesScanned int64
	CurrentPath  string
}

// Result contains the final scan results.
type Result struct {
	Path         string
	DirsScanned  int64
	FilesMatched int64
	// Dispatched counts files handed to HandleFile.
	Dispatched int64
	// Pruned counts stored states whose files no longer exist.
	Pruned   int64
	Duration time.Duration
}

// ProgressFunc is called with progress updates.
type ProgressFunc func(Progress)

// States lists the recorded state of files under a root.
type States interface {
	ListUnder(root string) ([]types.FileState, error)
}

// Handler receives the files a scan selects.
type Handler interface {
	HandleFile(ctx context.Context, path string)
	HandleRemove(ctx context.Context, path string)
}

// Indexer scans a tree against recorded state.
type Indexer struct {
	states    States
	filter    *filter.Filter
	recursive bool
}

// New creates an indexer. Only files accepted by f are considered.
func New(states States, f *filter.Filter, recursive bool) *Indexer {
	return &Indexer{states: states, filter: f, recursive: recursive}
}

// scanState holds counters during a walk.
type scanState struct {
	dirsScanned  atomic.Int64
	filesScanned atomic.Int64
	currentPath  atomic.Value
	mu           sync.Mutex
	sizes        map[string]uint64
}

// Scan walks root and calls h.HandleFile for every matching file, then
// h.HandleRemove for every recorded path that no longer exists. Whether a
// file changed is left to the handler: a rewrite can keep the old size.
// Dispatch is sequential and stops between files when ctx is cancelled.
func (idx *Indexer) Scan(ctx context.Context, root string, h Handler, onProgress ProgressFunc) (*Result, error) {
	startTime := time.Now()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	known, err := idx.states.ListUnder(absRoot)
	if err != nil {
		return nil, err
	}

	state := &scanState{sizes: make(map[string]uint64)}
	state.currentPath.Store("")

	done := idx.startProgressReporter(ctx, absRoot, state, onProgress)
	err = idx.walkFilesystem(ctx, absRoot, state)
	close(done)
	idx.sendProgress(absRoot, state, onProgress)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(state.sizes))
	for p := range state.sizes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	res := &Result{
		Path:         absRoot,
		DirsScanned:  state.dirsScanned.Load(),
		FilesMatched: int64(len(paths)),
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		h.HandleFile(ctx, p)
		res.Dispatched++
	}

	for _, s := range known {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, ok := state.sizes[s.Path]; ok || !idx.inScope(absRoot, s.Path) {
			continue
		}
		h.HandleRemove(ctx, s.Path)
		res.Pruned++
	}

	res.Duration = time.Since(startTime)
	return res, nil
}

// inScope reports whether a recorded path is one this scan could have seen.
func (idx *Indexer) inScope(root, path string) bool {
	if !idx.filter.Match(path) {
		return false
	}
	return idx.recursive || filepath.Dir(path) == root
}

// sendProgress sends a progress update if callback is provided.
func (idx *Indexer) sendProgress(absRoot string, state *scanState, onProgress ProgressFunc) {
	if onProgress != nil {
		cp, _ := state.currentPath.Load().(string)
		onProgress(Progress{
			Path:         absRoot,
			DirsScanned:  state.dirsScanned.Load(),
			FilesScanned: state.filesScanned.Load(),
			CurrentPath:  cp,
		})
	}
}

// startProgressReporter starts the progress reporting goroutine.
func (idx *Indexer) startProgressReporter(ctx context.Context, absRoot string, state *scanState, onProgress ProgressFunc) chan struct{} {
	done := make(chan struct{})

	idx.sendProgress(absRoot, state, onProgress)

	if onProgress != nil {
		go func() {
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					idx.sendProgress(absRoot, state, onProgress)
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return done
}

// walkFilesystem records the size of every matching file under absRoot.
func (idx *Indexer) walkFilesystem(ctx context.Context, absRoot string, state *scanState) error {
	conf := fastwalk.Config{
		Follow: false,
	}

	return fastwalk.Walk(&conf, absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Skip entries with errors - intentionally continue walking
		if walkErr != nil {
			return nil //nolint:nilerr // Intentionally skip errors and continue walking
		}

		if d.IsDir() {
			if path != absRoot && (!idx.recursive || idx.filter.SkipDir(path)) {
				return filepath.SkipDir
			}
			state.dirsScanned.Add(1)
			state.currentPath.Store(path)
			return nil
		}
		if !d.Type().IsRegular() || !idx.filter.Match(path) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil //nolint:nilerr // Intentionally skip entries we can't stat
		}
		state.filesScanned.Add(1)
		state.mu.Lock()
		state.sizes[path] = uint64(info.Size())
		state.mu.Unlock()
		return nil
	})
}
