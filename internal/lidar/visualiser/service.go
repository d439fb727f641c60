package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Scans travel as well-known types, so the service needs no generated code.
// A scan is a Struct with the fields documented on ScanToStruct.

const (
	ScanStreamServiceName = "shmlidar.ScanStream"
	StreamScansMethod     = "/shmlidar.ScanStream/StreamScans"
)

// ScanStreamServer is the server API for the ScanStream service.
type ScanStreamServer interface {
	StreamScans(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

func streamScansHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ScanStreamServer).StreamScans(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// ScanStreamServiceDesc describes the ScanStream service for grpc.Server.
var ScanStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: ScanStreamServiceName,
	HandlerType: (*ScanStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamScans",
			Handler:       streamScansHandler,
			ServerStreams: true,
		},
	},
	Metadata: "shmlidar/scan_stream.proto",
}

// RegisterScanStreamServer registers srv on s.
func RegisterScanStreamServer(s grpc.ServiceRegistrar, srv ScanStreamServer) {
	s.RegisterService(&ScanStreamServiceDesc, srv)
}

// ScanStreamClient calls the ScanStream service.
type ScanStreamClient struct {
	cc grpc.ClientConnInterface
}

func NewScanStreamClient(cc grpc.ClientConnInterface) *ScanStreamClient {
	return &ScanStreamClient{cc: cc}
}

// StreamScans subscribes to published scans.
func (c *ScanStreamClient) StreamScans(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ScanStreamServiceDesc.Streams[0], StreamScansMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
