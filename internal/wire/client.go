package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stakeops/validator-copilot/internal/model"
)

// Dial opens a client connection to the control plane with the protocol
// codec selected for every call.
func Dial(target string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, extra...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control plane: %w", err)
	}
	return conn, nil
}

// Client is the agent/operator-side handle to the control-plane service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ClientSession is the client's view of one validator session.
type ClientSession interface {
	Context() context.Context
	Send(*ClientFrame) error
	Recv() (*ServerFrame, error)
	CloseSend() error
}

// Session opens the bidirectional session stream. The caller must send a
// Hello frame first.
func (c *Client) Session(ctx context.Context) (ClientSession, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/Session")
	if err != nil {
		return nil, fmt.Errorf("failed to open session stream: %w", err)
	}
	return &sessionClientStream{stream}, nil
}

// SampleReceiver receives samples from a WatchMetrics subscription.
type SampleReceiver interface {
	Context() context.Context
	Recv() (*model.MetricSample, error)
}

// WatchMetrics opens a metrics subscription.
func (c *Client) WatchMetrics(ctx context.Context, req *WatchRequest) (SampleReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[1], "/"+ServiceName+"/WatchMetrics")
	if err != nil {
		return nil, fmt.Errorf("failed to open watch stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("failed to send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close watch request side: %w", err)
	}
	return &metricsClientStream{stream}, nil
}

type sessionClientStream struct {
	grpc.ClientStream
}

func (s *sessionClientStream) Send(f *ClientFrame) error {
	return s.ClientStream.SendMsg(f)
}

func (s *sessionClientStream) Recv() (*ServerFrame, error) {
	f := new(ServerFrame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

type metricsClientStream struct {
	grpc.ClientStream
}

func (s *metricsClientStream) Recv() (*model.MetricSample, error) {
	sample := new(model.MetricSample)
	if err := s.ClientStream.RecvMsg(sample); err != nil {
		return nil, err
	}
	return sample, nil
}
