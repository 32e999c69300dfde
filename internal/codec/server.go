package codec

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// InvokeMethod is the full gRPC method name served by every model stage.
const InvokeMethod = "/recommender.v1.Inference/Invoke"

// InferenceServer is implemented by model stages (and by local stubs).
type InferenceServer interface {
	Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// HandlerFunc adapts a plain function over Payloads to InferenceServer.
type HandlerFunc func(ctx context.Context, in Payload) (Payload, error)

// Invoke implements InferenceServer.
func (f HandlerFunc) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	out, err := f(ctx, Payload(in.AsMap()))
	if err != nil {
		return nil, err
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// InferenceServiceDesc describes the single-method inference service.
var InferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: "recommender.v1.Inference",
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recommender/v1/inference.proto",
}

// RegisterInferenceServer registers srv on s.
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&InferenceServiceDesc, srv)
}
