// Package watcher turns filesystem notifications into debounced pipeline
// calls for the files under a root directory.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/hindsight/pkg/hindsight/filter"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("watcher closed")

// Handler receives settled file events.
type Handler interface {
	HandleFile(ctx context.Context, path string)
	HandleRename(ctx context.Context, oldPath, newPath string)
	HandleRemove(ctx context.Context, path string)
}

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period after the last write before a file is
	// handed to the handler.
	Debounce time.Duration
	// RenameWindow bounds how long a rename source waits for its destination.
	RenameWindow time.Duration
	Recursive    bool
	Filter       *filter.Filter
}

type action int

const (
	actionFile action = iota
	actionRename
	actionRemove
)

// pending is a scheduled handler call for one path.
type pending struct {
	timer *time.Timer
	kind  action
	from  string
}

// orphan is the source half of a rename waiting for its Create. info is the
// identity last seen at path, nil for files the filter ignores.
type orphan struct {
	path  string
	info  os.FileInfo
	timer *time.Timer
}

// Watcher watches a root for changes to matching files.
type Watcher struct {
	watcher      *fsnotify.Watcher
	handler      Handler
	filter       *filter.Filter
	debounce     time.Duration
	renameWindow time.Duration
	recursive    bool

	mu      sync.Mutex
	ctx     context.Context
	paths   map[string]bool
	files   map[string]os.FileInfo
	pending map[string]*pending
	orphans []*orphan
	closed  bool
	running sync.WaitGroup

	log *logging.Logger
}

// New creates a Watcher delivering to h.
func New(h Handler, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	f := opts.Filter
	if f == nil {
		if f, err = filter.New(""); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return &Watcher{
		watcher:      fsw,
		handler:      h,
		filter:       f,
		debounce:     opts.Debounce,
		renameWindow: opts.RenameWindow,
		recursive:    opts.Recursive,
		ctx:          context.Background(),
		paths:        make(map[string]bool),
		files:        make(map[string]os.FileInfo),
		pending:      make(map[string]*pending),
		log:          logging.Get("watcher"),
	}, nil
}

// Watch starts watching root, and its subdirectories when recursive.
// Symlinks are not followed to avoid loops.
func (w *Watcher) Watch(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	info, err := os.Lstat(absRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "watch", Path: absRoot, Err: errors.New("not a directory")}
	}

	if !w.recursive {
		if err := w.addWatch(absRoot); err != nil {
			return err
		}
		entries, err := os.ReadDir(absRoot)
		if err != nil {
			return err
		}
		for _, d := range entries {
			w.rememberEntry(filepath.Join(absRoot, d.Name()), d)
		}
		return nil
	}
	return filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // Skip entries with errors
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.IsDir() {
			w.rememberEntry(path, d)
			return nil
		}
		if path != absRoot && w.filter.SkipDir(path) {
			return filepath.SkipDir
		}
		return w.addWatch(path)
	})
}

// rememberEntry records the identity of a matching regular file.
func (w *Watcher) rememberEntry(path string, d fs.DirEntry) {
	if !d.Type().IsRegular() || !w.filter.Match(path) {
		return
	}
	if info, err := d.Info(); err == nil {
		w.remember(path, info)
	}
}

func (w *Watcher) remember(path string, info os.FileInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.files[path] = info
	}
}

// track records the identity of path if it is not known yet.
func (w *Watcher) track(path string) {
	w.mu.Lock()
	_, known := w.files[path]
	w.mu.Unlock()
	if known {
		return
	}
	if info, err := os.Lstat(path); err == nil && info.Mode().IsRegular() {
		w.remember(path, info)
	}
}

// addWatch adds a single directory to the watch list.
func (w *Watcher) addWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.paths[path] {
		return nil
	}

	if err := w.watcher.Add(path); err != nil {
		w.log.Warn("Failed to add watch", "path", path, "error", err)
		return err
	}
	w.paths[path] = true
	return nil
}

// Watching returns the watched directories, sorted.
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.paths))
	for p := range w.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Pending returns the number of scheduled handler calls.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run dispatches filesystem events until ctx is cancelled or the watcher is
// closed. Handler calls receive ctx.
func (w *Watcher) Run(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Watcher error", "error", err)
		}
	}
}

// handleEvent processes a single filesystem event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		w.handleCreate(event.Name)
	case event.Has(fsnotify.Write):
		if w.filter.Match(event.Name) {
			w.track(event.Name)
			w.schedule(event.Name, w.debounce, actionFile, "")
		}
	case event.Has(fsnotify.Remove):
		w.handleRemove(event.Name)
	case event.Has(fsnotify.Rename):
		w.handleRename(event.Name)
	}
}

// handleCreate handles file and directory creation, pairing it with a
// pending rename source when there is one.
func (w *Watcher) handleCreate(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		return // Gone already
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if info.IsDir() {
		w.handleNewDir(path)
		return
	}

	if w.filter.Match(path) {
		w.remember(path, info)
	}
	if from, ok := w.claimOrphan(info); ok {
		if w.filter.MatchRename(from, path) {
			w.schedule(path, w.debounce, actionRename, from)
		}
		return
	}
	if w.filter.Match(path) {
		w.schedule(path, w.debounce, actionFile, "")
	}
}

// handleNewDir watches a created directory and picks up anything already in
// it, as happens when a populated tree is moved in.
func (w *Watcher) handleNewDir(path string) {
	if !w.recursive || w.filter.SkipDir(path) {
		return
	}
	_ = filepath.WalkDir(path, func(sub string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // Skip entries with errors
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if sub != path && w.filter.SkipDir(sub) {
				return filepath.SkipDir
			}
			_ = w.addWatch(sub)
			return nil
		}
		if w.filter.Match(sub) {
			w.rememberEntry(sub, d)
			w.schedule(sub, w.debounce, actionFile, "")
		}
		return nil
	})
}

// handleRemove cancels pending work for path and forgets it.
func (w *Watcher) handleRemove(path string) {
	if w.dropWatches(path) {
		return
	}
	w.cancel(path)
	w.mu.Lock()
	delete(w.files, path)
	w.mu.Unlock()
	if w.filter.Match(path) {
		w.schedule(path, 0, actionRemove, "")
	}
}

// handleRename records path as a rename source. If no Create claims it
// within the rename window, the file was moved out of the tree.
func (w *Watcher) handleRename(path string) {
	if w.dropWatches(path) {
		return
	}
	w.cancel(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	o := &orphan{path: path, info: w.files[path]}
	delete(w.files, path)
	o.timer = time.AfterFunc(w.renameWindow, func() { w.expireOrphan(o) })
	w.orphans = append(w.orphans, o)
}

// claimOrphan pops the oldest waiting rename source that info can be the
// destination of: the same file, or a source the filter ignores and so never
// recorded. Other sources keep waiting for their own Create or expiry.
func (w *Watcher) claimOrphan(info os.FileInfo) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, o := range w.orphans {
		if o.info != nil && !os.SameFile(o.info, info) {
			continue
		}
		if o.info == nil && w.filter.Match(o.path) {
			continue
		}
		if !o.timer.Stop() {
			continue // expiring
		}
		w.orphans = append(w.orphans[:i], w.orphans[i+1:]...)
		return o.path, true
	}
	return "", false
}

func (w *Watcher) expireOrphan(o *orphan) {
	w.mu.Lock()
	for i, cand := range w.orphans {
		if cand == o {
			w.orphans = append(w.orphans[:i], w.orphans[i+1:]...)
			break
		}
	}
	w.mu.Unlock()

	if w.filter.Match(o.path) {
		w.log.Debug("Rename source left the tree", "path", o.path)
		w.schedule(o.path, 0, actionRemove, "")
	}
}

// dropWatches removes the watch on path and its subtree, reporting whether
// path was a watched directory.
func (w *Watcher) dropWatches(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.paths[path] {
		return false
	}
	for p := range w.paths {
		if p == path || isSubPath(p, path) {
			_ = w.watcher.Remove(p)
			delete(w.paths, p)
		}
	}
	for p := range w.files {
		if isSubPath(p, path) {
			delete(w.files, p)
		}
	}
	return true
}

// schedule (re)starts the timer for path. A rename source already pending
// for path is kept when later writes reset the timer.
func (w *Watcher) schedule(path string, delay time.Duration, kind action, from string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	prev := w.pending[path]
	if prev != nil {
		if kind == actionFile && prev.kind == actionRename {
			kind, from = actionRename, prev.from
		}
		prev.timer.Stop()
	}

	p := &pending{kind: kind, from: from}
	p.timer = time.AfterFunc(delay, func() { w.fire(path, p) })
	w.pending[path] = p
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

// fire runs on the timer goroutine. A timer that was superseded after it
// fired finds a different entry in the map and does nothing.
func (w *Watcher) fire(path string, p *pending) {
	w.mu.Lock()
	if w.closed || w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	ctx := w.ctx
	w.running.Add(1)
	w.mu.Unlock()
	defer w.running.Done()

	if ctx.Err() != nil {
		return
	}
	switch p.kind {
	case actionFile:
		w.handler.HandleFile(ctx, path)
	case actionRename:
		w.handler.HandleRename(ctx, p.from, path)
	case actionRemove:
		w.handler.HandleRemove(ctx, path)
	}
}

// Close stops all pending timers, waits for running handler calls and
// releases the notification handle. No handler call starts after Close.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	for _, o := range w.orphans {
		o.timer.Stop()
	}
	w.orphans = nil
	w.paths = make(map[string]bool)
	w.files = make(map[string]os.FileInfo)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.running.Wait()
	return err
}

// isSubPath checks if path is under parent directory.
func isSubPath(path, parent string) bool {
	return len(path) > len(parent) && path[:len(parent)+1] == parent+string(filepath.Separator)
}
