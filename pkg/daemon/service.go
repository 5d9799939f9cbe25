package daemon

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	hindsightv1 "github.com/jamesainslie/hindsight/pkg/api/hindsight/v1"
	"github.com/jamesainslie/hindsight/pkg/daemon/broadcaster"
	"github.com/jamesainslie/hindsight/pkg/daemon/store"
	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/logging"
	"github.com/jamesainslie/hindsight/pkg/hindsight/pipeline"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// defaultRecentErrors is how many log records GetStatus returns when the
// request does not say.
const defaultRecentErrors = 10

// Service implements the hindsight Daemon gRPC service.
type Service struct {
	hindsightv1.UnimplementedDaemonServer

	daemon      *Daemon
	store       *store.Store
	catalog     *catalog.Catalog
	broadcaster *broadcaster.Broadcaster
	version     string
	onShutdown  func()
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithVersion sets the version reported by GetStatus.
func WithVersion(v string) ServiceOption {
	return func(s *Service) { s.version = v }
}

// WithShutdownFunc replaces the action taken on a Shutdown request. The
// default stops the daemon.
func WithShutdownFunc(fn func()) ServiceOption {
	return func(s *Service) { s.onShutdown = fn }
}

// NewService creates the gRPC service for d.
func NewService(d *Daemon, s *store.Store, cat *catalog.Catalog, b *broadcaster.Broadcaster, opts ...ServiceOption) *Service {
	svc := &Service{
		daemon:      d,
		store:       s,
		catalog:     cat,
		broadcaster: b,
		version:     "dev",
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.onShutdown == nil {
		svc.onShutdown = d.Stop
	}
	return svc
}

func (s *Service) pipeline() *pipeline.Context {
	return s.daemon.Pipeline()
}

// GetStatus returns daemon health information.
func (s *Service) GetStatus(ctx context.Context, req *hindsightv1.GetStatusRequest) (*hindsightv1.Status, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := s.pipeline().Stats()
	st := &hindsightv1.Status{
		State:        s.daemon.State().String(),
		Version:      s.version,
		PID:          os.Getpid(),
		MemoryBytes:  mem.Alloc,
		WatchDir:     s.daemon.Settings().WatchDir,
		WatchedDirs:  len(s.daemon.Watching()),
		Retrying:     stats.Retrying,
		InFlight:     stats.InFlight,
		Pending:      s.daemon.Pending(),
		StateBackend: s.store.Backend(),
		Counters: hindsightv1.Counters{
			Ingested:   stats.Ingested,
			Duplicates: stats.Duplicates,
			Failures:   stats.Failures,
			Exhausted:  stats.Exhausted,
			Renames:    stats.Renames,
			Removes:    stats.Removes,
			Busy:       stats.Busy,
		},
	}
	if started := s.daemon.StartedAt(); !started.IsZero() {
		st.StartedAt = started
		if s.daemon.State() == StateRunning {
			st.UptimeSeconds = int64(time.Since(started).Seconds())
		}
	}

	tracked, err := s.store.Count()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "counting tracked files: %v", err)
	}
	st.TrackedFiles = tracked

	if s.catalog != nil {
		cs, err := s.catalog.Stats(ctx)
		if err != nil {
			logging.Get("daemon").Warn("Reading catalog stats", "error", err)
		} else {
			st.Catalog = cs
		}
	}
	if s.broadcaster != nil {
		st.Subscribers = s.broadcaster.SubscriberCount()
	}

	n := req.RecentErrors
	if n <= 0 {
		n = defaultRecentErrors
	}
	st.RecentErrors = logging.Recent(n)
	return st, nil
}

// ListFiles returns stored file states ordered by path.
func (s *Service) ListFiles(_ context.Context, req *hindsightv1.ListFilesRequest) (*hindsightv1.ListFilesResponse, error) {
	var (
		files []types.FileState
		err   error
	)
	if req.Root == "" {
		files, err = s.store.List()
	} else {
		files, err = s.store.ListUnder(filepath.Clean(req.Root))
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing files: %v", err)
	}
	if req.Limit > 0 && len(files) > req.Limit {
		files = files[:req.Limit]
	}
	return &hindsightv1.ListFilesResponse{Files: files}, nil
}

// ListRetries returns the retry queue.
func (s *Service) ListRetries(_ context.Context, _ *hindsightv1.ListRetriesRequest) (*hindsightv1.ListRetriesResponse, error) {
	q := s.pipeline().Retries()
	return &hindsightv1.ListRetriesResponse{
		Entries:    q.Snapshot(),
		MaxRetries: q.MaxRetries(),
	}, nil
}

// ListFailures returns failure records from the catalog, newest first.
func (s *Service) ListFailures(ctx context.Context, req *hindsightv1.ListFailuresRequest) (*hindsightv1.ListFailuresResponse, error) {
	if s.catalog == nil {
		return nil, status.Error(codes.Unavailable, "catalog not available")
	}
	statuses := []string{catalog.JobFailed, catalog.JobExhausted}
	if req.ExhaustedOnly {
		statuses = []string{catalog.JobExhausted}
	}
	jobs, err := s.catalog.ListJobs(ctx, catalog.JobFilter{
		Statuses: statuses,
		Path:     req.Path,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing failures: %v", err)
	}
	return &hindsightv1.ListFailuresResponse{Failures: jobs}, nil
}

// Reprocess forgets a file's state and ingests it from the start. Failures
// are reported in the response and also take the normal retry path.
func (s *Service) Reprocess(ctx context.Context, req *hindsightv1.ReprocessRequest) (*hindsightv1.ReprocessResponse, error) {
	if req.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid path: %v", err)
	}
	if !s.pipeline().Filter().Match(path) {
		return nil, status.Errorf(codes.FailedPrecondition, "%s is not a watched file type", path)
	}

	log := logging.Get("daemon")
	log.Info("Reprocess requested", "path", path)

	res, err := s.pipeline().Reprocess(ctx, path)
	resp := &hindsightv1.ReprocessResponse{
		Status:         res.Status.String(),
		Change:         res.Change.String(),
		ConversationID: res.Outcome.Handle.ConversationID,
		Added:          res.Outcome.Handle.Added,
	}
	if err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
		log.Warn("Reprocess failed", "path", path, "error", err)
	}
	return resp, nil
}

// Shutdown stops the daemon after the response is sent.
func (s *Service) Shutdown(_ context.Context, _ *hindsightv1.ShutdownRequest) (*hindsightv1.ShutdownResponse, error) {
	logging.Get("daemon").Info("Shutdown requested")
	go s.onShutdown()
	return &hindsightv1.ShutdownResponse{Accepted: true}, nil
}

// WatchEvents streams pipeline events until the client goes away or the
// broadcaster closes.
func (s *Service) WatchEvents(req *hindsightv1.WatchEventsRequest, stream grpc.ServerStreamingServer[hindsightv1.Event]) error {
	if s.broadcaster == nil {
		return status.Error(codes.Unavailable, "event stream not available")
	}

	kinds := make([]types.EventKind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kind, err := types.ParseEventKind(k)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		kinds = append(kinds, kind)
	}

	sub := s.broadcaster.Subscribe(req.Root, kinds)
	if sub == nil {
		return status.Error(codes.Unavailable, "failed to subscribe")
	}
	defer s.broadcaster.Unsubscribe(sub.ID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := stream.Send(event); err != nil {
				return err
			}
		}
	}
}
