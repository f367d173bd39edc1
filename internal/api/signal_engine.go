package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "patentsignal.v1.SignalEngine"

// Method names of the SignalEngine service.
const (
	MethodRunAggregation           = "RunAggregation"
	MethodRunAccelerationDetection = "RunAccelerationDetection"
	MethodRunNoveltyScoring        = "RunNoveltyScoring"
	MethodRunWatchlistEvaluation   = "RunWatchlistEvaluation"
	MethodAcknowledgeAlert         = "AcknowledgeAlert"
	MethodDismissAlert             = "DismissAlert"
	MethodGetActiveAlerts          = "GetActiveAlerts"
	MethodListTrends               = "ListTrends"
	MethodTopNovelPatents          = "TopNovelPatents"
)

// SignalEngineServer is the server API of the SignalEngine service. Requests and
// responses are google.protobuf.Struct documents.
type SignalEngineServer interface {
	RunAggregation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunAccelerationDetection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunNoveltyScoring(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunWatchlistEvaluation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcknowledgeAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DismissAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetActiveAlerts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTrends(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TopNovelPatents(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(SignalEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SignalEngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SignalEngineServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// SignalEngineServiceDesc describes the service for grpc.Server registration.
var SignalEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SignalEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodRunAggregation, SignalEngineServer.RunAggregation),
		unaryHandler(MethodRunAccelerationDetection, SignalEngineServer.RunAccelerationDetection),
		unaryHandler(MethodRunNoveltyScoring, SignalEngineServer.RunNoveltyScoring),
		unaryHandler(MethodRunWatchlistEvaluation, SignalEngineServer.RunWatchlistEvaluation),
		unaryHandler(MethodAcknowledgeAlert, SignalEngineServer.AcknowledgeAlert),
		unaryHandler(MethodDismissAlert, SignalEngineServer.DismissAlert),
		unaryHandler(MethodGetActiveAlerts, SignalEngineServer.GetActiveAlerts),
		unaryHandler(MethodListTrends, SignalEngineServer.ListTrends),
		unaryHandler(MethodTopNovelPatents, SignalEngineServer.TopNovelPatents),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "patentsignal/v1/signal_engine.proto",
}

// RegisterSignalEngineServer registers srv on s.
func RegisterSignalEngineServer(s grpc.ServiceRegistrar, srv SignalEngineServer) {
	s.RegisterService(&SignalEngineServiceDesc, srv)
}

// SignalEngineClient calls the SignalEngine service.
type SignalEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewSignalEngineClient wraps a client connection.
func NewSignalEngineClient(cc grpc.ClientConnInterface) *SignalEngineClient {
	return &SignalEngineClient{cc: cc}
}

// Call invokes method with req and returns the response document.
func (c *SignalEngineClient) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
