// Package daemon runs the watcher, catch-up scan and retry loop around a
// pipeline, and serves the control plane over a unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jamesainslie/hindsight/pkg/daemon/indexer"
	"github.com/jamesainslie/hindsight/pkg/daemon/watcher"
	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
	"github.com/jamesainslie/hindsight/pkg/hindsight/pipeline"
)

// State is the daemon lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotStopped is returned by Start when the daemon is already running.
var ErrNotStopped = errors.New("daemon is not stopped")

// Settings holds the timing and scope knobs of a Daemon.
type Settings struct {
	WatchDir        string
	Recursive       bool
	Debounce        time.Duration
	RenameWindow    time.Duration
	RetryInterval   time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// SettingsFrom extracts daemon settings from the application config.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		WatchDir:        cfg.Watch.Dir,
		Recursive:       cfg.Watch.Recursive,
		Debounce:        cfg.Watch.Debounce,
		RenameWindow:    cfg.Watch.RenameWindow,
		RetryInterval:   cfg.Retry.Interval,
		PollInterval:    cfg.Watch.PollInterval,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
	}
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithoutSignals disables the SIGINT/SIGTERM handler.
func WithoutSignals() Option {
	return func(d *Daemon) { d.signals = false }
}

// Daemon owns the observer goroutine and the background loops.
type Daemon struct {
	settings Settings
	pipeline *pipeline.Context
	indexer  *indexer.Indexer
	signals  bool

	state    atomic.Int32
	shutdown atomic.Bool

	// mu serialises Start and Stop.
	mu           sync.Mutex
	watcher      *watcher.Watcher
	cancel       context.CancelFunc
	observerDone chan struct{}
	loops        sync.WaitGroup
	done         chan struct{}
	startedAt    time.Time
	generation   uint64

	lastScan atomic.Pointer[indexer.Result]

	log *logging.Logger
}

// New creates a stopped daemon feeding p. states backs the catch-up scan.
func New(settings Settings, p *pipeline.Context, states indexer.States, opts ...Option) *Daemon {
	if settings.RetryInterval <= 0 {
		settings.RetryInterval = config.DefaultRetryInterval
	}
	if settings.ShutdownTimeout <= 0 {
		settings.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	d := &Daemon{
		settings: settings,
		pipeline: p,
		indexer:  indexer.New(states, p.Filter(), settings.Recursive),
		signals:  true,
		done:     make(chan struct{}),
		log:      logging.Get("daemon"),
	}
	close(d.done)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Done is closed when the daemon reaches STOPPED.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Pipeline returns the pipeline the daemon feeds.
func (d *Daemon) Pipeline() *pipeline.Context { return d.pipeline }

// Settings returns the daemon's settings.
func (d *Daemon) Settings() Settings { return d.settings }

// StartedAt returns when the daemon last reached RUNNING.
func (d *Daemon) StartedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startedAt
}

// Watching returns the watched directories, or nil when stopped.
func (d *Daemon) Watching() []string {
	d.mu.Lock()
	w := d.watcher
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Watching()
}

// Pending returns the number of debounced events waiting to fire.
func (d *Daemon) Pending() int {
	d.mu.Lock()
	w := d.watcher
	d.mu.Unlock()
	if w == nil {
		return 0
	}
	return w.Pending()
}

// LastScan returns the result of the most recent catch-up or poll scan.
func (d *Daemon) LastScan() *indexer.Result {
	return d.lastScan.Load()
}

// Start brings the daemon to RUNNING. Failing to watch the root is fatal and
// leaves the daemon STOPPED. The catch-up scan and loops run in the
// background and end when ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrNotStopped
	}
	d.shutdown.Store(false)

	w, err := watcher.New(uninterrupted{d.pipeline}, watcher.Options{
		Debounce:     d.settings.Debounce,
		RenameWindow: d.settings.RenameWindow,
		Recursive:    d.settings.Recursive,
		Filter:       d.pipeline.Filter(),
	})
	if err == nil {
		if err = w.Watch(d.settings.WatchDir); err != nil {
			w.Close()
		}
	}
	if err != nil {
		d.state.Store(int32(StateStopped))
		d.log.Error("Failed to start watcher", "dir", d.settings.WatchDir, "error", err)
		return fmt.Errorf("watching %s: %w", d.settings.WatchDir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.watcher = w
	d.cancel = cancel
	d.done = make(chan struct{})
	d.observerDone = make(chan struct{})
	d.startedAt = time.Now()
	d.generation++
	gen := d.generation

	go func(done chan struct{}) {
		defer close(done)
		w.Run(runCtx)
	}(d.observerDone)

	d.loops.Add(2)
	go d.scanLoop(runCtx)
	go d.retryLoop(runCtx)

	if d.signals {
		go d.handleSignals(runCtx, gen)
	}
	go func() {
		<-runCtx.Done()
		d.stop(gen)
	}()

	d.state.Store(int32(StateRunning))
	d.log.Info("Daemon running", "dir", d.settings.WatchDir, "watching", len(w.Watching()))
	return nil
}

// Stop brings a running daemon to STOPPED. Each join waits at most the
// shutdown timeout; work still running after that is abandoned. Stop is safe
// to call more than once and from any goroutine.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// stop stops the run identified by gen, and nothing started after it.
func (d *Daemon) stop(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation == gen {
		d.stopLocked()
	}
}

func (d *Daemon) stopLocked() {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	d.log.Info("Daemon stopping")
	d.shutdown.Store(true)
	d.cancel()

	timeout := d.settings.ShutdownTimeout
	closed := make(chan struct{})
	go func(w *watcher.Watcher) {
		if err := w.Close(); err != nil {
			d.log.Warn("Closing watcher", "error", err)
		}
		close(closed)
	}(d.watcher)

	if !waitFor(closed, timeout) || !waitFor(d.observerDone, timeout) {
		d.log.Warn("Observer did not stop in time, stopped enough", "timeout", timeout)
	}

	loopsDone := make(chan struct{})
	go func() {
		d.loops.Wait()
		close(loopsDone)
	}()
	if !waitFor(loopsDone, timeout) {
		d.log.Warn("Background loops did not stop in time, stopped enough", "timeout", timeout)
	}

	d.watcher = nil
	d.state.Store(int32(StateStopped))
	close(d.done)
	d.log.Info("Daemon stopped")
}

// uninterrupted hands files to the pipeline with a context that stopping the
// daemon does not cancel. Loops check for shutdown between files, so a file
// that has started is processed to the end.
type uninterrupted struct {
	p *pipeline.Context
}

func (u uninterrupted) HandleFile(ctx context.Context, path string) {
	u.p.HandleFile(context.WithoutCancel(ctx), path)
}

func (u uninterrupted) HandleRename(ctx context.Context, oldPath, newPath string) {
	u.p.HandleRename(context.WithoutCancel(ctx), oldPath, newPath)
}

func (u uninterrupted) HandleRemove(ctx context.Context, path string) {
	u.p.HandleRemove(context.WithoutCancel(ctx), path)
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func (d *Daemon) handleSignals(ctx context.Context, gen uint64) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		d.log.Info("Received signal", "signal", sig.String())
		go d.stop(gen)
	case <-ctx.Done():
	}
}

// scanLoop runs the catch-up scan, then polls when a poll interval is set.
func (d *Daemon) scanLoop(ctx context.Context) {
	defer d.loops.Done()

	d.scan(ctx, "catch-up")
	if d.settings.PollInterval <= 0 {
		return
	}

	ticker := time.NewTicker(d.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx, "poll")
		}
	}
}

func (d *Daemon) scan(ctx context.Context, kind string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Scan panicked", "kind", kind, "panic", r)
		}
	}()

	res, err := d.indexer.Scan(ctx, d.settings.WatchDir, uninterrupted{d.pipeline}, nil)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("Scan failed", "kind", kind, "error", err)
		}
		return
	}
	d.lastScan.Store(res)
	d.log.Info("Scan complete", "kind", kind,
		"matched", res.FilesMatched, "dispatched", res.Dispatched,
		"pruned", res.Pruned, "duration", res.Duration)
}

// retryLoop drains ready retry entries every RetryInterval.
func (d *Daemon) retryLoop(ctx context.Context) {
	defer d.loops.Done()

	ticker := time.NewTicker(d.settings.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.retryOnce(ctx)
		}
	}
}

func (d *Daemon) retryOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Retry pass panicked", "panic", r)
		}
	}()
	if n := d.pipeline.RetryPass(context.WithoutCancel(ctx), d.shutdown.Load); n > 0 {
		d.log.Debug("Retry pass", "attempted", n, "remaining", d.pipeline.Retries().Len())
	}
}
