package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	hindsightv1 "github.com/jamesainslie/hindsight/pkg/api/hindsight/v1"
)

// gracefulStopTimeout bounds how long Close waits for open calls.
const gracefulStopTimeout = 2 * time.Second

// Server is the hindsightd gRPC server on a unix socket.
type Server struct {
	socketPath string
	grpc       *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer listens on socketPath, replacing any stale socket, and registers
// svc together with the standard health service.
func NewServer(socketPath string, svc hindsightv1.DaemonServer) (*Server, error) {
	// Remove stale socket if exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, err
	}

	// Ensure socket directory exists
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", socketPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		socketPath: socketPath,
		grpc:       grpc.NewServer(),
		health:     health.NewServer(),
		listener:   listener,
	}

	hindsightv1.RegisterDaemonServer(srv.grpc, svc)
	healthpb.RegisterHealthServer(srv.grpc, srv.health)
	srv.health.SetServingStatus(hindsightv1.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return srv, nil
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections. Blocks until Close.
func (s *Server) Serve() error {
	return s.grpc.Serve(s.listener)
}

// Close marks the server not serving, drains in-flight calls and removes the
// socket. Open event streams are cut off rather than waited for.
func (s *Server) Close() error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	if !waitFor(stopped, gracefulStopTimeout) {
		s.grpc.Stop()
	}
	return os.RemoveAll(s.socketPath)
}
