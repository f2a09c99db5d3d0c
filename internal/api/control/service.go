// Package control exposes the localizer's control surface over gRPC. The
// service is described by hand on top of the protobuf well-known types, so
// no generated code is involved: replies and records travel as
// google.protobuf.Struct.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "localization.v1.Control"

// ControlServer is the server side of the service.
type ControlServer interface {
	StartProcessing(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StopProcessing(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ReloadConfiguration(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ReloadReferenceMap(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetInitialPose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reset(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamDiagnostics(*emptypb.Empty, grpc.ServerStream) error
}

func unaryHandler[Req any](newReq func() *Req, call func(ControlServer, context.Context, *Req) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ControlServer), ctx, req.(*Req))
		})
	}
}

func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newStruct() *structpb.Struct        { return new(structpb.Struct) }

func streamDiagnosticsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).StreamDiagnostics(in, stream)
}

// ServiceDesc describes localization.v1.Control for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartProcessing", Handler: unaryHandler(newEmpty, ControlServer.StartProcessing, "StartProcessing")},
		{MethodName: "StopProcessing", Handler: unaryHandler(newEmpty, ControlServer.StopProcessing, "StopProcessing")},
		{MethodName: "ReloadConfiguration", Handler: unaryHandler(newString, ControlServer.ReloadConfiguration, "ReloadConfiguration")},
		{MethodName: "ReloadReferenceMap", Handler: unaryHandler(newEmpty, ControlServer.ReloadReferenceMap, "ReloadReferenceMap")},
		{MethodName: "SetInitialPose", Handler: unaryHandler(newStruct, ControlServer.SetInitialPose, "SetInitialPose")},
		{MethodName: "Reset", Handler: unaryHandler(newEmpty, ControlServer.Reset, "Reset")},
		{MethodName: "GetStatus", Handler: unaryHandler(newEmpty, ControlServer.GetStatus, "GetStatus")},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamDiagnostics", Handler: streamDiagnosticsHandler, ServerStreams: true},
	},
	Metadata: "localization/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
