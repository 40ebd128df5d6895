package replication

import "google.golang.org/grpc"

const (
	serviceName      = "walship.Replication"
	replicateStream  = "Replicate"
	replicateMethod  = "/" + serviceName + "/" + replicateStream
	defaultStreamIdx = 0
)

// replicationService is implemented by GRPCReplicationServer.
type replicationService interface {
	Replicate(stream grpc.ServerStream) error
}

func replicateHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(replicationService).Replicate(stream)
}

// replicationServiceDesc declares the single bidirectional stream between a
// master and its slave. Both directions carry *Message values encoded by
// msgpackCodec.
var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    replicateStream,
			Handler:       replicateHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// ServerCodecOption makes a gRPC server speak the replication codec. With
// compress set, LOG payloads sent by the server are snappy compressed.
func ServerCodecOption(compress bool) grpc.ServerOption {
	return grpc.ForceServerCodec(msgpackCodec{compress: compress})
}
