// Package ingest writes parsed conversations into the catalog. It owns the
// content identity table used as the deduplication oracle, resolves logical
// duplicates by session identity according to the update mode, keeps a
// compressed snapshot of the ingested bytes per path, and records every
// success and failure in the job log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/compress"
	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
	"github.com/jamesainslie/hindsight/pkg/hindsight/parser"
	"github.com/jamesainslie/hindsight/pkg/hindsight/tracing"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// ErrNoSession is returned when parsed content carries no session identity.
var ErrNoSession = errors.New("parsed content has no session identity")

// Request describes one ingestion.
type Request struct {
	Result *parser.Result
	Path   string
	Mode   types.UpdateMode
	// SkipDuplicates resolves content whose digest is already known to the
	// existing conversation without writing anything.
	SkipDuplicates bool
	Source         types.SourceType
	Change         types.ChangeType
	// ContentHash overrides Result.PartialHash as the content identity.
	ContentHash types.Digest
	// ConversationID pins the target conversation, used when appending to a
	// file whose conversation is already known.
	ConversationID string
	// Raw is the snapshot to store. When nil and snapshots are enabled the
	// consumed prefix of Path is read.
	Raw []byte
}

// Failure is a failure sink record.
type Failure struct {
	Source   types.SourceType
	Path     string
	Err      error
	Attempts uint32
	// Exhausted marks the final failure of a path evicted from the retry queue.
	Exhausted bool
	Change    types.ChangeType
	StartedAt time.Time
	// ProcessingTime is zero when the failure happened before work began.
	ProcessingTime time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRawSnapshots stores compressed snapshots of ingested bytes.
func WithRawSnapshots(codec compress.Codec) Option {
	return func(o *Orchestrator) {
		o.storeRaw = true
		o.codec = codec
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// OptionsFrom returns the options selected by the ingest config section.
func OptionsFrom(cfg *config.Config) ([]Option, error) {
	if !cfg.Ingest.StoreRaw {
		return nil, nil
	}
	codec, err := compress.Parse(cfg.Ingest.Compression)
	if err != nil {
		return nil, fmt.Errorf("ingest.compression: %w", err)
	}
	return []Option{WithRawSnapshots(codec)}, nil
}

// Orchestrator ingests parsed content into a catalog.
type Orchestrator struct {
	catalog  *catalog.Catalog
	storeRaw bool
	codec    compress.Codec
	now      func() time.Time
	log      *logging.Logger
}

// New returns an orchestrator writing to cat.
func New(cat *catalog.Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog: cat,
		now:     time.Now,
		log:     logging.Get("ingest"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Catalog returns the underlying catalog.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.catalog
}

// Ingest writes req and reports what happened. It never panics on bad input
// and never returns errors out of band: failures come back as Failed.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) Outcome {
	started := o.now()
	ctx, span := tracing.Start(ctx, "ingest.Ingest",
		tracing.Path(req.Path),
		attribute.String("hindsight.mode", string(req.Mode)),
		attribute.String("hindsight.change", req.Change.String()),
	)

	out := o.ingest(ctx, req)
	span.SetAttributes(
		attribute.String("hindsight.outcome", out.Kind.String()),
		attribute.Int64("hindsight.added", out.Handle.Added),
	)
	tracing.End(span, out.Err)

	if out.Kind == Failed {
		return out
	}

	job := &catalog.Job{
		SourceType:     string(req.Source),
		Path:           req.Path,
		Status:         catalog.JobCompleted,
		ChangeType:     req.Change.String(),
		ConversationID: out.Handle.ConversationID,
		Messages:       out.Handle.Added,
		Attempts:       1,
		StartedAt:      started,
		FinishedAt:     o.now(),
	}
	job.ProcessingTime = job.FinishedAt.Sub(started)
	if err := o.catalog.RecordJob(ctx, job); err != nil {
		o.log.Warn("Failed to record job", "path", req.Path, "error", err)
	}
	return out
}

func (o *Orchestrator) ingest(ctx context.Context, req Request) Outcome {
	if req.Result == nil {
		return failed(errors.New("ingest: nil parse result"))
	}
	conv := req.Result.Conversation
	if conv.SessionID == "" && req.ConversationID == "" {
		return failed(ErrNoSession)
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeAppend
	}
	hash := req.ContentHash
	if hash == "" {
		hash = req.Result.PartialHash
	}

	raw := req.Raw
	if raw == nil && o.storeRaw && req.Path != "" {
		var err error
		raw, err = readPrefix(req.Path, req.Result.LastOffset)
		if err != nil {
			o.log.Warn("Skipping raw snapshot", "path", req.Path, "error", err)
		}
	}

	var out Outcome
	err := o.catalog.WithTx(ctx, func(tx *catalog.Tx) error {
		var err error
		out, err = o.apply(ctx, tx, req, mode, hash)
		if err != nil || out.Kind != Success {
			return err
		}
		if o.storeRaw && raw != nil && req.Path != "" {
			if err := tx.PutRawFile(ctx, req.Path, out.Handle.ConversationID, hash, raw, o.codec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return failed(fmt.Errorf("ingest %s: %w", req.Path, err))
	}

	switch out.Kind {
	case Duplicate:
		o.log.Info("Duplicate content", "path", req.Path, "conversation", out.Handle.ConversationID, "reason", out.Reason)
	case Success:
		o.log.Debug("Ingested", "path", req.Path, "conversation", out.Handle.ConversationID,
			"added", out.Handle.Added, "total", out.Handle.MessageCount, "created", out.Handle.Created)
	}
	return out
}

// apply runs inside the transaction and may be called more than once when
// the transaction is retried.
func (o *Orchestrator) apply(ctx context.Context, tx *catalog.Tx, req Request, mode types.UpdateMode, hash types.Digest) (Outcome, error) {
	conv := req.Result.Conversation

	if req.SkipDuplicates && hash != "" {
		existing, err := tx.ConversationByHash(ctx, hash)
		switch {
		case err == nil:
			return duplicate(handleFor(existing, 0, false), "content already ingested"), nil
		case !errors.Is(err, catalog.ErrNotFound):
			return Outcome{}, err
		}
	}

	existing, err := o.resolve(ctx, tx, req.ConversationID, conv.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	now := o.now()

	if existing == nil {
		c := &catalog.Conversation{
			ID:           uuid.NewString(),
			SessionID:    conv.SessionID,
			Agent:        conv.Agent,
			SourcePath:   sourcePath(req),
			ContentHash:  string(hash),
			MessageCount: int64(len(conv.Messages)),
			StartedAt:    conv.StartedAt,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertConversation(ctx, c); err != nil {
			return Outcome{}, err
		}
		if _, err := tx.InsertMessages(ctx, c.ID, 0, conv.Messages); err != nil {
			return Outcome{}, err
		}
		if err := putHash(ctx, tx, hash, c.ID); err != nil {
			return Outcome{}, err
		}
		return succeeded(handleFor(c, c.MessageCount, true)), nil
	}

	var added int64
	switch mode {
	case types.ModeSkip:
		return duplicate(handleFor(existing, 0, false), "session exists"), nil

	case types.ModeReplace:
		if err := tx.DeleteMessages(ctx, existing.ID); err != nil {
			return Outcome{}, err
		}
		if err := tx.DeleteContentHashes(ctx, existing.ID); err != nil {
			return Outcome{}, err
		}
		if _, err := tx.InsertMessages(ctx, existing.ID, 0, conv.Messages); err != nil {
			return Outcome{}, err
		}
		added = int64(len(conv.Messages))
		existing.MessageCount = added
		existing.StartedAt = conv.StartedAt

	case types.ModeAppend:
		next, err := tx.NextSeq(ctx, existing.ID)
		if err != nil {
			return Outcome{}, err
		}
		fresh := make([]types.Message, 0, len(conv.Messages))
		for _, m := range conv.Messages {
			if m.UUID != "" {
				seen, err := tx.HasMessageUUID(ctx, existing.ID, m.UUID)
				if err != nil {
					return Outcome{}, err
				}
				if seen {
					continue
				}
			}
			fresh = append(fresh, m)
		}
		end, err := tx.InsertMessages(ctx, existing.ID, next, fresh)
		if err != nil {
			return Outcome{}, err
		}
		added = int64(len(fresh))
		existing.MessageCount = end
		if existing.StartedAt.IsZero() || (!conv.StartedAt.IsZero() && conv.StartedAt.Before(existing.StartedAt)) {
			existing.StartedAt = conv.StartedAt
		}

	default:
		return Outcome{}, fmt.Errorf("unknown update mode %q", mode)
	}

	if conv.Agent != "" {
		existing.Agent = conv.Agent
	}
	existing.SourcePath = sourcePath(req)
	existing.ContentHash = string(hash)
	existing.UpdatedAt = now
	if err := tx.UpdateConversation(ctx, existing); err != nil {
		return Outcome{}, err
	}
	if err := putHash(ctx, tx, hash, existing.ID); err != nil {
		return Outcome{}, err
	}
	return succeeded(handleFor(existing, added, false)), nil
}

// resolve finds the conversation by pinned ID first, then by session.
func (o *Orchestrator) resolve(ctx context.Context, tx *catalog.Tx, id, session string) (*catalog.Conversation, error) {
	if id != "" {
		c, err := tx.ConversationByID(ctx, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}
	}
	if session == "" {
		return nil, ErrNoSession
	}
	c, err := tx.ConversationBySession(ctx, session)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// RekeyRaw moves the snapshot and conversation source of oldPath to newPath.
// found is false when nothing was known about oldPath.
func (o *Orchestrator) RekeyRaw(ctx context.Context, oldPath, newPath string) (bool, error) {
	ctx, span := tracing.Start(ctx, "ingest.RekeyRaw", tracing.Path(newPath), attribute.String("hindsight.old_path", oldPath))
	found, err := o.catalog.RenameRawFile(ctx, oldPath, newPath)
	tracing.End(span, err)
	return found, err
}

// RecordFailure writes f to the failure sink.
func (o *Orchestrator) RecordFailure(ctx context.Context, f Failure) error {
	status := catalog.JobFailed
	if f.Exhausted {
		status = catalog.JobExhausted
	}
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	source := f.Source
	if source == "" {
		source = types.SourceWatch
	}
	started := f.StartedAt
	if started.IsZero() {
		started = o.now()
	}
	job := &catalog.Job{
		SourceType:     string(source),
		Path:           f.Path,
		Status:         status,
		ChangeType:     changeName(f),
		Attempts:       f.Attempts,
		Error:          msg,
		StartedAt:      started,
		FinishedAt:     started.Add(f.ProcessingTime),
		ProcessingTime: f.ProcessingTime,
	}
	if err := o.catalog.RecordJob(ctx, job); err != nil {
		return fmt.Errorf("record failure for %s: %w", f.Path, err)
	}
	return nil
}

// changeName is empty for failures before detection ran.
func changeName(f Failure) string {
	if f.ProcessingTime == 0 {
		return ""
	}
	return f.Change.String()
}

func handleFor(c *catalog.Conversation, added int64, created bool) Handle {
	return Handle{
		ConversationID: c.ID,
		SessionID:      c.SessionID,
		MessageCount:   c.MessageCount,
		Added:          added,
		Created:        created,
	}
}

func putHash(ctx context.Context, tx *catalog.Tx, hash types.Digest, id string) error {
	if hash == "" {
		return nil
	}
	return tx.PutContentHash(ctx, hash, id)
}

func sourcePath(req Request) string {
	if req.Path != "" {
		return req.Path
	}
	return req.Result.Conversation.SourcePath
}

// readPrefix reads the first n bytes of path.
func readPrefix(path string, n uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("reading %d bytes: %w", n, err)
	}
	return buf, nil
}
