package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ApprovalGatewayServiceName is the fully qualified gRPC service name.
const ApprovalGatewayServiceName = "mirador.remediation.v1.ApprovalGateway"

// Full method names.
const (
	MethodApprove      = "/" + ApprovalGatewayServiceName + "/Approve"
	MethodReject       = "/" + ApprovalGatewayServiceName + "/Reject"
	MethodInspect      = "/" + ApprovalGatewayServiceName + "/Inspect"
	MethodListSessions = "/" + ApprovalGatewayServiceName + "/ListSessions"
)

// ApprovalGatewayServer is the server API. Messages are google.protobuf.Struct documents whose
// fields mirror the HTTP JSON bodies.
type ApprovalGatewayServer interface {
	Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Inspect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type gatewayCall func(srv ApprovalGatewayServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call gatewayCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalGatewayServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ApprovalGatewayServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ApprovalGatewayServiceDesc describes the service for grpc.Server registration.
var ApprovalGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalGatewayServiceName,
	HandlerType: (*ApprovalGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Approve", Handler: unaryHandler(MethodApprove, ApprovalGatewayServer.Approve)},
		{MethodName: "Reject", Handler: unaryHandler(MethodReject, ApprovalGatewayServer.Reject)},
		{MethodName: "Inspect", Handler: unaryHandler(MethodInspect, ApprovalGatewayServer.Inspect)},
		{MethodName: "ListSessions", Handler: unaryHandler(MethodListSessions, ApprovalGatewayServer.ListSessions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/remediation/v1/gateway.proto",
}

// RegisterApprovalGatewayServer registers srv with s.
func RegisterApprovalGatewayServer(s grpc.ServiceRegistrar, srv ApprovalGatewayServer) {
	s.RegisterService(&ApprovalGatewayServiceDesc, srv)
}

// ApprovalGatewayClient calls the gateway over a client connection.
type ApprovalGatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewApprovalGatewayClient wraps cc.
func NewApprovalGatewayClient(cc grpc.ClientConnInterface) *ApprovalGatewayClient {
	return &ApprovalGatewayClient{cc: cc}
}

func (c *ApprovalGatewayClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ApprovalGatewayClient) Approve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodApprove, in, opts...)
}

func (c *ApprovalGatewayClient) Reject(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodReject, in, opts...)
}

func (c *ApprovalGatewayClient) Inspect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodInspect, in, opts...)
}

func (c *ApprovalGatewayClient) ListSessions(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListSessions, in, opts...)
}
