package wire

import (
	"context"

	"google.golang.org/grpc"

	"github.com/stakeops/validator-copilot/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "copilot.v1.ControlPlane"

// ControlPlaneServer is the server-side contract for the session protocol.
type ControlPlaneServer interface {
	// Session is the bidirectional validator session: Hello/Ack handshake,
	// then samples and results upstream, actions downstream.
	Session(SessionStream) error
	// WatchMetrics streams metric samples to an operator-side subscriber.
	WatchMetrics(*WatchRequest, MetricsStream) error
}

// SessionStream is the server's view of one validator session.
type SessionStream interface {
	Context() context.Context
	Send(*ServerFrame) error
	Recv() (*ClientFrame, error)
}

// MetricsStream is the server's view of one WatchMetrics subscriber.
type MetricsStream interface {
	Context() context.Context
	Send(*model.MetricSample) error
}

// RegisterControlPlaneServer registers srv on a gRPC server.
func RegisterControlPlaneServer(s grpc.ServiceRegistrar, srv ControlPlaneServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "WatchMetrics",
			Handler:       watchMetricsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "copilot/v1/control_plane",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlPlaneServer).Session(&sessionServerStream{stream})
}

func watchMetricsHandler(srv any, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ControlPlaneServer).WatchMetrics(req, &metricsServerStream{stream})
}

type sessionServerStream struct {
	grpc.ServerStream
}

func (s *sessionServerStream) Send(f *ServerFrame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *sessionServerStream) Recv() (*ClientFrame, error) {
	f := new(ClientFrame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

type metricsServerStream struct {
	grpc.ServerStream
}

func (s *metricsServerStream) Send(sample *model.MetricSample) error {
	return s.ServerStream.SendMsg(sample)
}
