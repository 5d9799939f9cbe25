// Package pipeline is the per-file ingestion routine shared by the watcher,
// the retry loop, the poll loop and the control plane. A Context bundles
// every collaborator the routine needs and is built once at startup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/detector"
	"github.com/jamesainslie/hindsight/pkg/hindsight/filter"
	"github.com/jamesainslie/hindsight/pkg/hindsight/hasher"
	"github.com/jamesainslie/hindsight/pkg/hindsight/inflight"
	"github.com/jamesainslie/hindsight/pkg/hindsight/ingest"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
	"github.com/jamesainslie/hindsight/pkg/hindsight/parser"
	"github.com/jamesainslie/hindsight/pkg/hindsight/retry"
	"github.com/jamesainslie/hindsight/pkg/hindsight/tracing"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// ErrPanic wraps a panic recovered while processing a file.
var ErrPanic = errors.New("panic while processing file")

// Orchestrator is the storage side of ingestion.
type Orchestrator interface {
	Ingest(ctx context.Context, req ingest.Request) ingest.Outcome
	RekeyRaw(ctx context.Context, oldPath, newPath string) (bool, error)
	RecordFailure(ctx context.Context, f ingest.Failure) error
}

// StateStore persists FileState per path. Get returns types.ErrNoState for
// unknown paths.
type StateStore interface {
	Get(path string) (*types.FileState, error)
	Put(state *types.FileState) error
	Delete(path string) error
	Rename(oldPath, newPath string) (bool, error)
}

// EventSink receives pipeline events. Publish must not block.
type EventSink interface {
	Publish(ev types.Event)
}

type discardEvents struct{}

func (discardEvents) Publish(types.Event) {}

// Config holds the validated settings the routine uses.
type Config struct {
	UpdateMode     types.UpdateMode
	SkipDuplicates bool
	Source         types.SourceType
	RetryBase      time.Duration
	MaxRetries     uint32
}

// ConfigFrom extracts pipeline settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		UpdateMode:     cfg.UpdateMode(),
		SkipDuplicates: cfg.Ingest.SkipDuplicates,
		Source:         types.SourceWatch,
		RetryBase:      cfg.Retry.BaseInterval,
		MaxRetries:     uint32(cfg.Retry.MaxRetries),
	}
}

// Option configures a Context.
type Option func(*Context)

// WithHasher sets the digest algorithm used by detection and parsing.
func WithHasher(h *hasher.Hasher) Option {
	return func(c *Context) { c.hasher = h }
}

// WithParsers sets the parser registry.
func WithParsers(r *parser.Registry) Option {
	return func(c *Context) { c.parsers = r }
}

// WithFilter sets the path filter applied to renames.
func WithFilter(f *filter.Filter) Option {
	return func(c *Context) { c.filter = f }
}

// WithEvents sets the event sink.
func WithEvents(sink EventSink) Option {
	return func(c *Context) { c.events = sink }
}

// WithClock replaces time.Now for the retry queue and timings.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// Context is the pipeline's dependency bundle. It is safe for concurrent use.
type Context struct {
	cfg      Config
	hasher   *hasher.Hasher
	detector *detector.Detector
	parsers  *parser.Registry
	filter   *filter.Filter
	ingester Orchestrator
	state    StateStore
	retries  *retry.Queue
	inflight *inflight.Set
	events   EventSink
	now      func() time.Time
	log      *logging.Logger

	stats counters
}

// New builds a Context. The retry queue persists through state when state
// also implements retry.Persister.
func New(cfg Config, ing Orchestrator, state StateStore, opts ...Option) *Context {
	c := &Context{
		cfg:      cfg,
		ingester: ing,
		state:    state,
		inflight: inflight.New(),
		now:      time.Now,
		log:      logging.Get("pipeline"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.Source == "" {
		c.cfg.Source = types.SourceWatch
	}
	if c.cfg.UpdateMode == "" {
		c.cfg.UpdateMode = types.ModeAppend
	}
	if c.hasher == nil {
		c.hasher = hasher.Default()
	}
	c.detector = detector.New(c.hasher)
	if c.parsers == nil {
		c.parsers = parser.NewRegistry(parser.NewJSONL(c.hasher))
	}
	if c.filter == nil {
		c.filter, _ = filter.New(config.DefaultExtension)
	}
	if c.events == nil {
		c.events = discardEvents{}
	}

	qopts := []retry.Option{
		retry.WithClock(c.now),
		retry.WithExhaustedHandler(c.exhausted),
	}
	if p, ok := state.(retry.Persister); ok {
		qopts = append(qopts, retry.WithPersister(p))
	}
	c.retries = retry.New(cfg.RetryBase, cfg.MaxRetries, qopts...)
	return c
}

// Retries returns the retry queue.
func (c *Context) Retries() *retry.Queue { return c.retries }

// InFlight returns the processing set.
func (c *Context) InFlight() *inflight.Set { return c.inflight }

// Filter returns the path filter.
func (c *Context) Filter() *filter.Filter { return c.filter }

// State returns the state store.
func (c *Context) State() StateStore { return c.state }

// Status describes what ProcessFile did.
type Status int

const (
	// StatusBusy means another goroutine held the path; nothing was done.
	StatusBusy Status = iota + 1
	StatusUnchanged
	StatusIngested
	StatusDuplicate
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusBusy:
		return "busy"
	case StatusUnchanged:
		return "unchanged"
	case StatusIngested:
		return "ingested"
	case StatusDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of ProcessFile.
type Result struct {
	Status  Status
	Change  types.ChangeType
	Outcome ingest.Outcome
	// Started is set once parsing began; failures before that carry a zero
	// processing time.
	Started bool
	Elapsed time.Duration
}

// ProcessFile brings the stored state of path up to date with the file on
// disk. At most one call per path runs at a time; a concurrent call returns
// StatusBusy immediately.
func (c *Context) ProcessFile(ctx context.Context, path string, source types.SourceType) (res Result, err error) {
	release, ok := c.inflight.TryAcquire(path)
	if !ok {
		c.stats.busy.Add(1)
		return Result{Status: StatusBusy}, nil
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w %s: %v", ErrPanic, path, r)
			c.log.Error("Recovered panic", "path", path, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx, span := tracing.Start(ctx, "pipeline.ProcessFile", tracing.Path(path))
	defer func() {
		span.SetAttributes(
			attribute.String("hindsight.change", res.Change.String()),
			attribute.String("hindsight.status", res.Status.String()),
		)
		tracing.End(span, err)
	}()

	prev, err := c.state.Get(path)
	if errors.Is(err, types.ErrNoState) {
		prev, err = nil, nil
	}
	if err != nil {
		return res, fmt.Errorf("loading state for %s: %w", path, err)
	}

	change, _, err := c.detector.Detect(path, prev)
	res.Change = change
	if err != nil {
		return res, err
	}
	if change == types.Unchanged {
		res.Status = StatusUnchanged
		return res, nil
	}

	p, err := c.parsers.Lookup(path)
	if err != nil {
		return res, err
	}

	start := c.now()
	res.Started = true
	defer func() { res.Elapsed = c.now().Sub(start) }()

	req := ingest.Request{Path: path, Source: source, Change: change}
	var parsed *parser.Result
	switch {
	case change == types.Append && prev != nil && prev.FileSize > 0:
		parsed, err = p.ParseIncremental(ctx, path, prev.LastOffset, prev.LastLine)
		req.Mode = types.ModeAppend
		req.ConversationID = prev.ConversationID

	case change == types.Rewrite:
		// prev stays stored until the replacement commits, so a failed attempt
		// is detected as a rewrite again on retry.
		parsed, err = p.Parse(ctx, path)
		req.Mode = types.ModeReplace
		req.ConversationID = prev.ConversationID

	default:
		parsed, err = p.Parse(ctx, path)
		req.Mode = c.cfg.UpdateMode
		req.SkipDuplicates = c.cfg.SkipDuplicates
	}
	if err != nil {
		return res, err
	}
	req.Result = parsed

	out := c.ingester.Ingest(ctx, req)
	res.Outcome = out
	switch out.Kind {
	case ingest.Success:
		res.Status = StatusIngested
	case ingest.Duplicate:
		res.Status = StatusDuplicate
	default:
		if out.Err == nil {
			return res, fmt.Errorf("ingest %s: %s outcome", path, out.Kind)
		}
		return res, out.Err
	}

	state := parsed.State(path)
	state.ConversationID = out.Handle.ConversationID
	if err := c.state.Put(&state); err != nil {
		return res, fmt.Errorf("saving state for %s: %w", path, err)
	}
	return res, nil
}

// HandleFile processes path and routes any failure to the retry queue. It
// never returns an error.
func (c *Context) HandleFile(ctx context.Context, path string) {
	res, err := c.ProcessFile(ctx, path, c.cfg.Source)
	c.settle(ctx, path, res, err)
}

// Reprocess forgets what is known about path and ingests it from byte zero.
func (c *Context) Reprocess(ctx context.Context, path string) (Result, error) {
	if err := c.state.Delete(path); err != nil {
		return Result{}, fmt.Errorf("discarding state for %s: %w", path, err)
	}
	c.retries.Remove(path)
	res, err := c.ProcessFile(ctx, path, c.cfg.Source)
	c.settle(ctx, path, res, err)
	return res, err
}

// settle records the result of one attempt.
func (c *Context) settle(ctx context.Context, path string, res Result, err error) {
	if err == nil {
		switch res.Status {
		case StatusBusy:
			return
		case StatusIngested:
			c.stats.ingested.Add(1)
			c.publish(types.Event{Kind: types.EventIngested, Path: path, Change: res.Change.String(),
				ConversationID: res.Outcome.Handle.ConversationID, Messages: res.Outcome.Handle.Added, Source: c.cfg.Source})
		case StatusDuplicate:
			c.stats.duplicates.Add(1)
			c.publish(types.Event{Kind: types.EventDuplicate, Path: path, Change: res.Change.String(),
				ConversationID: res.Outcome.Handle.ConversationID, Source: c.cfg.Source})
		}
		c.retries.Remove(path)
		return
	}

	if errors.Is(err, hasher.ErrNotFound) {
		c.log.Debug("File vanished before processing", "path", path)
		c.forget(path)
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Interrupted by shutdown; the stored state makes the next run resume.
		return
	}

	c.stats.failures.Add(1)
	entry := c.retries.Add(path, err)
	c.log.Warn("Processing failed", "path", path, "attempt", entry.Attempts, "next_retry", entry.NextRetry, "error", err)

	if entry.Attempts == 1 {
		f := ingest.Failure{
			Source:    c.cfg.Source,
			Path:      path,
			Err:       err,
			Attempts:  entry.Attempts,
			Change:    res.Change,
			StartedAt: c.now(),
		}
		if res.Started {
			f.ProcessingTime = max(res.Elapsed, time.Millisecond)
			f.StartedAt = f.StartedAt.Add(-res.Elapsed)
		}
		if rerr := c.ingester.RecordFailure(ctx, f); rerr != nil {
			c.log.Error("Failed to record failure", "path", path, "error", rerr)
		}
	}
	c.publish(types.Event{Kind: types.EventFailed, Path: path, Change: res.Change.String(),
		Attempts: entry.Attempts, Error: err.Error(), Source: c.cfg.Source})
}

// exhausted is called by the retry queue for each evicted entry.
func (c *Context) exhausted(e retry.Entry) {
	c.stats.exhausted.Add(1)
	if release, ok := c.inflight.TryAcquire(e.Path); ok {
		c.dropState(e.Path)
		release()
	} else {
		c.log.Warn("Exhausted file is being processed, keeping its state", "path", e.Path)
	}
	err := c.ingester.RecordFailure(context.Background(), ingest.Failure{
		Source:    c.cfg.Source,
		Path:      e.Path,
		Err:       errors.New(e.LastError),
		Attempts:  e.Attempts,
		Exhausted: true,
		StartedAt: c.now(),
	})
	if err != nil {
		c.log.Error("Failed to record exhausted file", "path", e.Path, "error", err)
	}
	c.publish(types.Event{Kind: types.EventExhausted, Path: e.Path, Attempts: e.Attempts, Error: e.LastError, Source: c.cfg.Source})
}

// HandleRename carries what is known about oldPath over to newPath and then
// processes newPath. Failures to carry state over degrade to treating
// newPath as a new file.
func (c *Context) HandleRename(ctx context.Context, oldPath, newPath string) {
	if !c.filter.MatchRename(oldPath, newPath) {
		return
	}
	if !c.filter.Match(newPath) {
		// Moved out of scope.
		c.HandleRemove(ctx, oldPath)
		return
	}

	if c.filter.Match(oldPath) && c.rekey(ctx, oldPath, newPath) {
		c.stats.renames.Add(1)
	}
	c.HandleFile(ctx, newPath)
}

// rekey moves oldPath's state and raw snapshot to newPath when newPath still
// starts with the bytes recorded for oldPath. A destination with different
// content is unrelated: oldPath is removed and newPath is left untracked.
func (c *Context) rekey(ctx context.Context, oldPath, newPath string) bool {
	release, ok := c.inflight.TryAcquire(oldPath)
	if !ok {
		c.log.Warn("Renamed file is still being processed, treating destination as new", "old", oldPath, "new", newPath)
		return false
	}

	st, err := c.state.Get(oldPath)
	if err != nil {
		release()
		if !errors.Is(err, types.ErrNoState) {
			c.log.Warn("Reading state of renamed file failed", "old", oldPath, "error", err)
		}
		c.retries.Remove(oldPath)
		return false
	}
	if !c.sameContent(newPath, st) {
		release()
		c.log.Info("Destination does not continue renamed file, treating as removal", "old", oldPath, "new", newPath)
		c.HandleRemove(ctx, oldPath)
		return false
	}
	defer release()
	c.retries.Remove(oldPath)

	found, err := c.ingester.RekeyRaw(ctx, oldPath, newPath)
	if err != nil {
		c.log.Warn("Re-keying failed, treating destination as new", "old", oldPath, "new", newPath, "error", err)
		c.dropState(oldPath)
		return false
	}
	moved, err := c.state.Rename(oldPath, newPath)
	if err != nil {
		c.log.Warn("Moving state failed, treating destination as new", "old", oldPath, "new", newPath, "error", err)
		c.dropState(oldPath)
		return false
	}
	if found || moved {
		c.log.Info("Re-keyed renamed file", "old", oldPath, "new", newPath)
		c.publish(types.Event{Kind: types.EventRenamed, Path: newPath, OldPath: oldPath, Source: c.cfg.Source})
	}
	return true
}

// sameContent reports whether path begins with the prefix recorded in st.
func (c *Context) sameContent(path string, st *types.FileState) bool {
	if st.LastOffset == 0 {
		return true
	}
	got, err := c.hasher.HashPrefix(path, st.LastOffset)
	if err != nil {
		c.log.Debug("Hashing rename destination failed", "path", path, "error", err)
		return false
	}
	return got == st.PartialHash
}

// HandleRemove forgets path.
func (c *Context) HandleRemove(_ context.Context, path string) {
	c.stats.removes.Add(1)
	c.forget(path)
	c.publish(types.Event{Kind: types.EventRemoved, Path: path, Source: c.cfg.Source})
}

func (c *Context) forget(path string) {
	c.dropState(path)
	c.retries.Remove(path)
}

func (c *Context) dropState(path string) {
	if err := c.state.Delete(path); err != nil {
		c.log.Warn("Failed to drop state", "path", path, "error", err)
	}
}

// RetryPass re-attempts every due retry entry, checking shouldStop before
// each one. It returns the number of entries attempted.
func (c *Context) RetryPass(ctx context.Context, shouldStop func() bool) int {
	attempted := 0
	for _, e := range c.retries.Ready() {
		if ctx.Err() != nil || (shouldStop != nil && shouldStop()) {
			break
		}
		attempted++
		c.retryOne(ctx, e)
	}
	return attempted
}

func (c *Context) retryOne(ctx context.Context, e retry.Entry) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered panic in retry", "path", e.Path, "panic", r)
			c.retries.Add(e.Path, fmt.Errorf("%w %s: %v", ErrPanic, e.Path, r))
		}
	}()
	c.log.Debug("Retrying", "path", e.Path, "attempt", e.Attempts+1)
	res, err := c.ProcessFile(ctx, e.Path, c.cfg.Source)
	c.settle(ctx, e.Path, res, err)
}

func (c *Context) publish(ev types.Event) {
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	c.events.Publish(ev)
}

type counters struct {
	ingested   atomic.Int64
	duplicates atomic.Int64
	failures   atomic.Int64
	exhausted  atomic.Int64
	renames    atomic.Int64
	removes    atomic.Int64
	busy       atomic.Int64
}

// Stats is a snapshot of pipeline counters since start.
type Stats struct {
	Ingested   int64 `json:"ingested"`
	Duplicates int64 `json:"duplicates"`
	Failures   int64 `json:"failures"`
	Exhausted  int64 `json:"exhausted"`
	Renames    int64 `json:"renames"`
	Removes    int64 `json:"removes"`
	Busy       int64 `json:"busy"`
	InFlight   int   `json:"in_flight"`
	Retrying   int   `json:"retrying"`
}

// Stats returns current counters.
func (c *Context) Stats() Stats {
	return Stats{
		Ingested:   c.stats.ingested.Load(),
		Duplicates: c.stats.duplicates.Load(),
		Failures:   c.stats.failures.Load(),
		Exhausted:  c.stats.exhausted.Load(),
		Renames:    c.stats.renames.Load(),
		Removes:    c.stats.removes.Load(),
		Busy:       c.stats.busy.Load(),
		InFlight:   c.inflight.Len(),
		Retrying:   c.retries.Len(),
	}
}
