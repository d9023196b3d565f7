package broker

import (
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/stakeops/validator-copilot/internal/model"
	"github.com/stakeops/validator-copilot/internal/wire"
)

// SessionServer implements the control-plane gRPC service on top of the
// broker.
type SessionServer struct {
	broker *Broker
	logger *zap.Logger
}

// NewSessionServer creates the gRPC-facing session handler.
func NewSessionServer(b *Broker, logger *zap.Logger) *SessionServer {
	return &SessionServer{broker: b, logger: logger}
}

// Session handles one validator connection: handshake, then a read loop for
// samples/results and a single writer goroutine for actions.
func (s *SessionServer) Session(stream wire.SessionStream) error {
	peerAddr := peerAddress(stream)

	first, err := stream.Recv()
	if err != nil {
		return status.Error(codes.InvalidArgument, "handshake not received")
	}
	hello := first.Hello
	if hello == nil {
		return status.Error(codes.InvalidArgument, "first frame must be hello")
	}

	if !s.broker.limiter.Allow(peerAddr) {
		s.broker.metrics.AuthFailuresTotal.Inc()
		s.logger.Warn("Handshake rate limited",
			zap.String("peer", peerAddr),
			zap.String("validator_id", hello.ValidatorID))
		_ = stream.Send(&wire.ServerFrame{Ack: &wire.HelloAck{Accepted: false, Reason: "rate_limited"}})
		return status.Error(codes.ResourceExhausted, "too many failed handshakes")
	}

	if !s.authenticate(hello) {
		s.broker.limiter.RecordFailure(peerAddr)
		s.broker.metrics.AuthFailuresTotal.Inc()
		s.logger.Warn("Handshake rejected",
			zap.String("peer", peerAddr),
			zap.String("validator_id", hello.ValidatorID))
		_ = stream.Send(&wire.ServerFrame{Ack: &wire.HelloAck{Accepted: false, Reason: "authentication failed"}})
		return status.Error(codes.Unauthenticated, "authentication failed")
	}

	conn := &connection{
		validatorID: hello.ValidatorID,
		peerAddr:    peerAddr,
		openedAt:    time.Now(),
		outbound:    make(chan *model.Action, s.broker.cfg.OutboundQueueSize),
		done:        make(chan struct{}),
	}
	s.broker.attach(conn)
	defer s.broker.detach(conn)

	if err := stream.Send(&wire.ServerFrame{Ack: &wire.HelloAck{Accepted: true}}); err != nil {
		return err
	}
	s.logger.Info("Session established",
		zap.String("validator_id", conn.validatorID),
		zap.String("peer", peerAddr))

	// The writer goroutine is the only Send caller from here on; gRPC streams
	// do not allow concurrent SendMsg.
	writeErr := make(chan error, 1)
	writerStop := make(chan struct{})
	go func() {
		for {
			select {
			case action := <-conn.outbound:
				if err := stream.Send(&wire.ServerFrame{Action: action}); err != nil {
					writeErr <- err
					return
				}
			case <-conn.done:
				return
			case <-writerStop:
				return
			}
		}
	}()
	defer close(writerStop)

	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				readErr <- err
				return
			}
			if err := s.handleFrame(conn, frame); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-conn.done:
		return status.Error(codes.Aborted, "session superseded")
	case err := <-writeErr:
		s.logger.Info("Session write failed",
			zap.String("validator_id", conn.validatorID), zap.Error(err))
		return err
	case err := <-readErr:
		if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
			return err
		}
		s.logger.Info("Session closed",
			zap.String("validator_id", conn.validatorID), zap.Error(err))
		return nil
	case <-s.broker.closed:
		return status.Error(codes.Unavailable, "shutting down")
	}
}

// handleFrame dispatches one post-handshake client frame. Protocol
// violations terminate the session.
func (s *SessionServer) handleFrame(conn *connection, frame *wire.ClientFrame) error {
	switch {
	case frame.Sample != nil:
		if frame.Sample.ValidatorID != conn.validatorID {
			return status.Error(codes.InvalidArgument, "sample validator_id does not match session")
		}
		s.broker.ingestSample(*frame.Sample)
		return nil
	case frame.Result != nil:
		if frame.Result.ValidatorID != conn.validatorID {
			return status.Error(codes.InvalidArgument, "result validator_id does not match session")
		}
		s.broker.resolveResult(frame.Result)
		return nil
	case frame.Hello != nil:
		return status.Error(codes.InvalidArgument, "duplicate hello")
	default:
		return status.Error(codes.InvalidArgument, "empty frame")
	}
}

// WatchMetrics streams samples to an operator-side subscriber, optionally
// preceded by the latest known sample per matching validator.
func (s *SessionServer) WatchMetrics(req *wire.WatchRequest, stream wire.MetricsStream) error {
	sub := s.broker.SubscribeMetrics("watch")
	defer sub.Close()

	want := make(map[string]bool, len(req.ValidatorIDs))
	for _, id := range req.ValidatorIDs {
		want[id] = true
	}
	matches := func(id string) bool {
		return len(want) == 0 || want[id]
	}

	if req.IncludeSnapshot {
		for _, sample := range s.broker.LatestSamples(req.ValidatorIDs) {
			if err := stream.Send(&sample); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case sample := <-sub.C():
			if !matches(sample.ValidatorID) {
				continue
			}
			if err := stream.Send(&sample); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.broker.closed:
			return status.Error(codes.Unavailable, "shutting down")
		}
	}
}

func (s *SessionServer) authenticate(hello *wire.Hello) bool {
	vcfg, ok := s.broker.validators[hello.ValidatorID]
	if !ok {
		// Burn the comparison anyway so an unknown id costs the same as a
		// wrong token.
		_, _ = s.broker.verifier.Verify(hello.AuthToken, "")
		return false
	}
	match, err := s.broker.verifier.Verify(hello.AuthToken, vcfg.AuthTokenHash)
	if err != nil {
		s.logger.Error("Stored token hash unusable",
			zap.String("validator_id", hello.ValidatorID), zap.Error(err))
		return false
	}
	return match
}

func peerAddress(stream wire.SessionStream) string {
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}
