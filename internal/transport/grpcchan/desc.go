// Package grpcchan carries the method channel and the event channel over gRPC.
//
// Messages are protobuf well-known types, so no generated code is needed:
// Invoke takes a Struct {method, arguments} and returns a Struct result;
// Listen takes Empty and streams one Struct {type, data} per event.
package grpcchan

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	methodServiceName = "flutter_tele.MethodChannel"
	eventServiceName  = "flutter_tele.EventChannel"

	invokeMethod = "/" + methodServiceName + "/Invoke"
	listenMethod = "/" + eventServiceName + "/Listen"
)

// MethodChannelServer handles method-channel calls.
type MethodChannelServer interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// EventChannelServer streams events to one listener.
type EventChannelServer interface {
	Listen(req *emptypb.Empty, stream grpc.ServerStream) error
}

var methodChannelDesc = grpc.ServiceDesc{
	ServiceName: methodServiceName,
	HandlerType: (*MethodChannelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Metadata: "flutter_tele.proto",
}

var eventStreamDesc = grpc.StreamDesc{
	StreamName:    "Listen",
	Handler:       listenHandler,
	ServerStreams: true,
}

var eventChannelDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventChannelServer)(nil),
	Streams:     []grpc.StreamDesc{eventStreamDesc},
	Metadata:    "flutter_tele.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MethodChannelServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MethodChannelServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listenHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EventChannelServer).Listen(in, stream)
}
