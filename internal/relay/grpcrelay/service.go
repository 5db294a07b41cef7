// Package grpcrelay carries relay frames over one bidirectional gRPC stream
// per replica. Frames travel as google.protobuf.Struct messages, so the
// service needs no generated code.
package grpcrelay

import (
	"google.golang.org/grpc"
)

const (
	ServiceName   = "treesync.relay.v1.Relay"
	connectMethod = "/" + ServiceName + "/Connect"
)

type relayServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*relayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "treesync/relay/v1/relay.proto",
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(relayServer).Connect(stream)
}
