package hindsightv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hindsight.v1.Daemon"

// Full method names.
const (
	Daemon_GetStatus_FullMethodName    = "/hindsight.v1.Daemon/GetStatus"
	Daemon_ListFiles_FullMethodName    = "/hindsight.v1.Daemon/ListFiles"
	Daemon_ListRetries_FullMethodName  = "/hindsight.v1.Daemon/ListRetries"
	Daemon_ListFailures_FullMethodName = "/hindsight.v1.Daemon/ListFailures"
	Daemon_Reprocess_FullMethodName    = "/hindsight.v1.Daemon/Reprocess"
	Daemon_Shutdown_FullMethodName     = "/hindsight.v1.Daemon/Shutdown"
	Daemon_WatchEvents_FullMethodName  = "/hindsight.v1.Daemon/WatchEvents"
)

// DaemonClient is the client API for the Daemon service.
type DaemonClient interface {
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*Status, error)
	ListFiles(ctx context.Context, in *ListFilesRequest, opts ...grpc.CallOption) (*ListFilesResponse, error)
	ListRetries(ctx context.Context, in *ListRetriesRequest, opts ...grpc.CallOption) (*ListRetriesResponse, error)
	ListFailures(ctx context.Context, in *ListFailuresRequest, opts ...grpc.CallOption) (*ListFailuresResponse, error)
	Reprocess(ctx context.Context, in *ReprocessRequest, opts ...grpc.CallOption) (*ReprocessResponse, error)
	Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error)
	WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Event], error)
}

type daemonClient struct {
	cc grpc.ClientConnInterface
}

// NewDaemonClient returns a client for the Daemon service over cc.
func NewDaemonClient(cc grpc.ClientConnInterface) DaemonClient {
	return &daemonClient{cc}
}

// invoke sends in as a Struct and decodes the Struct reply into a new Resp.
func invoke[Resp, Req any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	reply := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, req, reply, opts...); err != nil {
		return nil, err
	}
	out := new(Resp)
	if err := fromStruct(reply, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (c *daemonClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*Status, error) {
	return invoke[Status](ctx, c.cc, Daemon_GetStatus_FullMethodName, in, opts)
}

func (c *daemonClient) ListFiles(ctx context.Context, in *ListFilesRequest, opts ...grpc.CallOption) (*ListFilesResponse, error) {
	return invoke[ListFilesResponse](ctx, c.cc, Daemon_ListFiles_FullMethodName, in, opts)
}

func (c *daemonClient) ListRetries(ctx context.Context, in *ListRetriesRequest, opts ...grpc.CallOption) (*ListRetriesResponse, error) {
	return invoke[ListRetriesResponse](ctx, c.cc, Daemon_ListRetries_FullMethodName, in, opts)
}

func (c *daemonClient) ListFailures(ctx context.Context, in *ListFailuresRequest, opts ...grpc.CallOption) (*ListFailuresResponse, error) {
	return invoke[ListFailuresResponse](ctx, c.cc, Daemon_ListFailures_FullMethodName, in, opts)
}

func (c *daemonClient) Reprocess(ctx context.Context, in *ReprocessRequest, opts ...grpc.CallOption) (*ReprocessResponse, error) {
	return invoke[ReprocessResponse](ctx, c.cc, Daemon_Reprocess_FullMethodName, in, opts)
}

func (c *daemonClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error) {
	return invoke[ShutdownResponse](ctx, c.cc, Daemon_Shutdown_FullMethodName, in, opts)
}

func (c *daemonClient) WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Event], error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	stream, err := c.cc.NewStream(ctx, &Daemon_ServiceDesc.Streams[0], Daemon_WatchEvents_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &eventClientStream{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// DaemonServer is the server API for the Daemon service. Implementations
// must embed UnimplementedDaemonServer.
type DaemonServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*Status, error)
	ListFiles(context.Context, *ListFilesRequest) (*ListFilesResponse, error)
	ListRetries(context.Context, *ListRetriesRequest) (*ListRetriesResponse, error)
	ListFailures(context.Context, *ListFailuresRequest) (*ListFailuresResponse, error)
	Reprocess(context.Context, *ReprocessRequest) (*ReprocessResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[Event]) error
	mustEmbedUnimplementedDaemonServer()
}

// UnimplementedDaemonServer returns Unimplemented for every method.
type UnimplementedDaemonServer struct{}

func (UnimplementedDaemonServer) GetStatus(context.Context, *GetStatusRequest) (*Status, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetStatus not implemented")
}
func (UnimplementedDaemonServer) ListFiles(context.Context, *ListFilesRequest) (*ListFilesResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListFiles not implemented")
}
func (UnimplementedDaemonServer) ListRetries(context.Context, *ListRetriesRequest) (*ListRetriesResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListRetries not implemented")
}
func (UnimplementedDaemonServer) ListFailures(context.Context, *ListFailuresRequest) (*ListFailuresResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListFailures not implemented")
}
func (UnimplementedDaemonServer) Reprocess(context.Context, *ReprocessRequest) (*ReprocessResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Reprocess not implemented")
}
func (UnimplementedDaemonServer) Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Shutdown not implemented")
}
func (UnimplementedDaemonServer) WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[Event]) error {
	return status.Errorf(codes.Unimplemented, "method WatchEvents not implemented")
}
func (UnimplementedDaemonServer) mustEmbedUnimplementedDaemonServer() {}

// RegisterDaemonServer registers srv with s.
func RegisterDaemonServer(s grpc.ServiceRegistrar, srv DaemonServer) {
	s.RegisterService(&Daemon_ServiceDesc, srv)
}

// unaryHandler decodes the request Struct, calls the method and encodes its
// reply. Interceptors see the decoded request.
func unaryHandler[Req, Resp any](method string, call func(DaemonServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		wire := new(structpb.Struct)
		if err := dec(wire); err != nil {
			return nil, err
		}
		in := new(Req)
		if err := fromStruct(wire, in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		handler := func(ctx context.Context, req any) (any, error) {
			out, err := call(srv.(DaemonServer), ctx, req.(*Req))
			if err != nil {
				return nil, err
			}
			reply, err := toStruct(out)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return reply, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, handler)
	}
}

func _Daemon_WatchEvents_Handler(srv any, stream grpc.ServerStream) error {
	wire := new(structpb.Struct)
	if err := stream.RecvMsg(wire); err != nil {
		return err
	}
	m := new(WatchEventsRequest)
	if err := fromStruct(wire, m); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(DaemonServer).WatchEvents(m, &eventServerStream{ServerStream: stream})
}

// Daemon_ServiceDesc is the grpc.ServiceDesc for the Daemon service.
var Daemon_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DaemonServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    unaryHandler(Daemon_GetStatus_FullMethodName, DaemonServer.GetStatus),
		},
		{
			MethodName: "ListFiles",
			Handler:    unaryHandler(Daemon_ListFiles_FullMethodName, DaemonServer.ListFiles),
		},
		{
			MethodName: "ListRetries",
			Handler:    unaryHandler(Daemon_ListRetries_FullMethodName, DaemonServer.ListRetries),
		},
		{
			MethodName: "ListFailures",
			Handler:    unaryHandler(Daemon_ListFailures_FullMethodName, DaemonServer.ListFailures),
		},
		{
			MethodName: "Reprocess",
			Handler:    unaryHandler(Daemon_Reprocess_FullMethodName, DaemonServer.Reprocess),
		},
		{
			MethodName: "Shutdown",
			Handler:    unaryHandler(Daemon_Shutdown_FullMethodName, DaemonServer.Shutdown),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       _Daemon_WatchEvents_Handler,
			ServerStreams: true,
		},
	},
}
