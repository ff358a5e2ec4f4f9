package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fleet.v1.FleetTelemetry"

// FleetTelemetryServer is the fleet.v1.FleetTelemetry contract.
type FleetTelemetryServer interface {
	GetFleetSnapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	StreamFleet(*StreamRequest, FleetStreamServer) error
	StreamHistory(*HistoryRequest, HistoryStreamServer) error
	GetAggregates(context.Context, *AggregatesRequest) (*AggregatesResponse, error)
}

// The handlers below follow the shape protoc-gen-go-grpc emits, so the
// hand-written service registers and dispatches like a generated one.

func getFleetSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetTelemetryServer).GetFleetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/GetFleetSnapshot",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FleetTelemetryServer).GetFleetSnapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAggregatesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AggregatesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetTelemetryServer).GetAggregates(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/GetAggregates",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FleetTelemetryServer).GetAggregates(ctx, req.(*AggregatesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamFleetHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(StreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FleetTelemetryServer).StreamFleet(in, &fleetStreamServer{stream})
}

func streamHistoryHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(HistoryRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FleetTelemetryServer).StreamHistory(in, &historyStreamServer{stream})
}

type fleetStreamServer struct {
	grpc.ServerStream
}

func (x *fleetStreamServer) Send(m *FleetDelta) error {
	return x.ServerStream.SendMsg(m)
}

type historyStreamServer struct {
	grpc.ServerStream
}

func (x *historyStreamServer) Send(m *TelemetryEvent) error {
	return x.ServerStream.SendMsg(m)
}

var fleetTelemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FleetTelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetFleetSnapshot",
			Handler:    getFleetSnapshotHandler,
		},
		{
			MethodName: "GetAggregates",
			Handler:    getAggregatesHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFleet",
			Handler:       streamFleetHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamHistory",
			Handler:       streamHistoryHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fleet.proto",
}
