package grpcstream

import (
	"google.golang.org/grpc"
)

// ChannelServer is the server API for the Channel gRPC service.
//
// Frames travel as protobuf BytesValue wrappers so the package needs no
// generated code.
type ChannelServer interface {
	Connect(grpc.ServerStream) error
}

// RegisterChannelServer registers the Channel service on a gRPC server.
func RegisterChannelServer(s grpc.ServiceRegistrar, srv ChannelServer) {
	s.RegisterService(&Channel_ServiceDesc, srv)
}

const connectMethod = "/remoting.v1.Channel/Connect"

func _Channel_Connect_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ChannelServer).Connect(stream)
}

// Channel_ServiceDesc is the grpc.ServiceDesc for the Channel service.
var Channel_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "remoting.v1.Channel",
	HandlerType: (*ChannelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       _Channel_Connect_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "channel.proto",
}
