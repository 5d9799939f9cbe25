package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	hindsightv1 "github.com/jamesainslie/hindsight/pkg/api/hindsight/v1"
	"github.com/jamesainslie/hindsight/pkg/daemon"
	"github.com/jamesainslie/hindsight/pkg/hindsight/pipeline"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// serve starts s's daemon behind a gRPC server and returns a connected client.
func serve(t *testing.T, s *stack, opts ...daemon.ServiceOption) (hindsightv1.DaemonClient, *grpc.ClientConn) {
	t.Helper()
	s.start(t)

	sock := socketPath(t)
	svc := daemon.NewService(s.daemon, s.store, s.catalog, s.broadcaster, opts...)
	srv, err := daemon.NewServer(sock, svc)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient("unix://"+sock, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return hindsightv1.NewDaemonClient(conn), conn
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestServiceGetStatus(t *testing.T) {
	s := newStack(t, nil)
	path := s.write(t, "a.jsonl", record("s-a", "1"), record("s-a", "2"))
	client, _ := serve(t, s, daemon.WithVersion("1.0.0"))

	require.Eventually(t, func() bool { return s.offset(path) > 0 }, waitFor, tick)

	st, err := client.GetStatus(callCtx(t), &hindsightv1.GetStatusRequest{})
	require.NoError(t, err)

	assert.Equal(t, "running", st.State)
	assert.Equal(t, "1.0.0", st.Version)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, s.root, st.WatchDir)
	assert.Equal(t, 1, st.WatchedDirs)
	assert.Equal(t, 1, st.TrackedFiles)
	assert.Equal(t, "bolt", st.StateBackend)
	assert.Equal(t, int64(1), st.Counters.Ingested)
	assert.Equal(t, int64(1), st.Catalog.Conversations)
	assert.Equal(t, int64(2), st.Catalog.Messages)
	assert.Positive(t, st.MemoryBytes)
	assert.False(t, st.StartedAt.IsZero())
}

func TestServiceListFiles(t *testing.T) {
	s := newStack(t, nil)
	a := s.write(t, "a.jsonl", record("s-a", "1"))
	b := s.write(t, "sub/b.jsonl", record("s-b", "1"))
	client, _ := serve(t, s)
	require.Eventually(t, func() bool { return s.offset(a) > 0 && s.offset(b) > 0 }, waitFor, tick)

	all, err := client.ListFiles(callCtx(t), &hindsightv1.ListFilesRequest{})
	require.NoError(t, err)
	require.Len(t, all.Files, 2)
	assert.Equal(t, a, all.Files[0].Path)
	assert.NotEmpty(t, all.Files[0].ConversationID)

	sub, err := client.ListFiles(callCtx(t), &hindsightv1.ListFilesRequest{Root: filepath.Join(s.root, "sub")})
	require.NoError(t, err)
	require.Len(t, sub.Files, 1)
	assert.Equal(t, b, sub.Files[0].Path)

	limited, err := client.ListFiles(callCtx(t), &hindsightv1.ListFilesRequest{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited.Files, 1)
}

func TestServiceRetriesAndFailures(t *testing.T) {
	s := newStack(t, func(_ *daemon.Settings, cfg *pipeline.Config) {
		cfg.RetryBase = time.Hour
	})
	client, _ := serve(t, s)

	path := s.write(t, "bad.jsonl", "{oops\n")
	require.Eventually(t, func() bool { return s.pipeline.Retries().Len() == 1 }, waitFor, tick)

	retries, err := client.ListRetries(callCtx(t), &hindsightv1.ListRetriesRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), retries.MaxRetries)
	require.Len(t, retries.Entries, 1)
	assert.Equal(t, path, retries.Entries[0].Path)
	assert.Equal(t, uint32(1), retries.Entries[0].Attempts)
	assert.NotEmpty(t, retries.Entries[0].LastError)

	failures, err := client.ListFailures(callCtx(t), &hindsightv1.ListFailuresRequest{Path: path})
	require.NoError(t, err)
	require.Len(t, failures.Failures, 1)
	assert.Equal(t, "failed", failures.Failures[0].Status)

	exhausted, err := client.ListFailures(callCtx(t), &hindsightv1.ListFailuresRequest{ExhaustedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, exhausted.Failures)
}

func TestServiceReprocess(t *testing.T) {
	s := newStack(t, nil)
	path := s.write(t, "a.jsonl", record("s-a", "1"))
	client, _ := serve(t, s)
	require.Eventually(t, func() bool { return s.offset(path) > 0 }, waitFor, tick)

	resp, err := client.Reprocess(callCtx(t), &hindsightv1.ReprocessRequest{Path: path})
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Contains(t, []string{"ingested", "duplicate"}, resp.Status)
	assert.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, int64(1), s.messageCount(t), "reprocessing does not duplicate messages")

	_, err = client.Reprocess(callCtx(t), &hindsightv1.ReprocessRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Reprocess(callCtx(t), &hindsightv1.ReprocessRequest{Path: filepath.Join(s.root, "notes.txt")})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	missing, err := client.Reprocess(callCtx(t), &hindsightv1.ReprocessRequest{Path: filepath.Join(s.root, "gone.jsonl")})
	require.NoError(t, err)
	assert.Equal(t, "failed", missing.Status)
	assert.NotEmpty(t, missing.Error)
}

func TestServiceWatchEvents(t *testing.T) {
	s := newStack(t, nil)
	client, _ := serve(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	stream, err := client.WatchEvents(ctx, &hindsightv1.WatchEventsRequest{
		Kinds: []string{string(types.EventIngested)},
	})
	require.NoError(t, err)

	// The subscription is registered once the server handler runs.
	require.Eventually(t, func() bool { return s.broadcaster.SubscriberCount() == 1 }, waitFor, tick)

	path := s.write(t, "evt.jsonl", record("s-e", "1"), record("s-e", "2"))

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, types.EventIngested, ev.Kind)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, int64(2), ev.Messages)
	assert.NotEmpty(t, ev.ID)
}

func TestServiceWatchEventsRejectsUnknownKind(t *testing.T) {
	s := newStack(t, nil)
	client, _ := serve(t, s)

	stream, err := client.WatchEvents(callCtx(t), &hindsightv1.WatchEventsRequest{Kinds: []string{"exploded"}})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServiceShutdown(t *testing.T) {
	s := newStack(t, nil)
	client, _ := serve(t, s)
	done := s.daemon.Done()

	resp, err := client.Shutdown(callCtx(t), &hindsightv1.ShutdownRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop")
	}
}

func TestServerHealth(t *testing.T) {
	s := newStack(t, nil)
	_, conn := serve(t, s)

	resp, err := healthpb.NewHealthClient(conn).Check(callCtx(t), &healthpb.HealthCheckRequest{
		Service: hindsightv1.ServiceName,
	})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServerCloseRemovesSocket(t *testing.T) {
	s := newStack(t, nil)
	sock := socketPath(t)

	// A stale socket file is replaced
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	srv, err := daemon.NewServer(sock, daemon.NewService(s.daemon, s.store, s.catalog, s.broadcaster))
	require.NoError(t, err)
	assert.Equal(t, sock, srv.SocketPath())
	go func() { _ = srv.Serve() }()

	require.NoError(t, srv.Close())
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}
