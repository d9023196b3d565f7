package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/stakeops/validator-copilot/internal/auth"
	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/model"
	"github.com/stakeops/validator-copilot/internal/wire"
)

const testToken = "token-1"

func registeredValidator(id string) config.ValidatorConfig {
	return config.ValidatorConfig{
		ID:            id,
		Host:          "10.0.0.1",
		AuthTokenHash: auth.NewVerifier("test-pepper").HashToken(testToken),
	}
}

// serveBroker runs the session service over an in-memory listener and
// returns a connected client.
func serveBroker(t *testing.T, b *Broker) *wire.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	wire.RegisterControlPlaneServer(srv, NewSessionServer(b, zap.NewNop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := wire.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return wire.NewClient(conn)
}

func openSession(t *testing.T, client *wire.Client, validatorID, token string) wire.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	stream, err := client.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.ClientFrame{
		Hello: &wire.Hello{ValidatorID: validatorID, AuthToken: token},
	}))
	frame, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, frame.Ack)
	require.True(t, frame.Ack.Accepted, "handshake rejected: %s", frame.Ack.Reason)
	return stream
}

func TestSessionSampleFlow(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)
	sub := b.SubscribeMetrics("test")
	defer sub.Close()

	stream := openSession(t, client, "v1", testToken)

	lag := uint64(42)
	require.NoError(t, stream.Send(&wire.ClientFrame{
		Sample: &model.MetricSample{ValidatorID: "v1", SlotLag: &lag, CapturedAt: time.Now().Unix()},
	}))

	select {
	case got := <-sub.C():
		assert.Equal(t, "v1", got.ValidatorID)
		require.NotNil(t, got.SlotLag)
		assert.Equal(t, uint64(42), *got.SlotLag)
	case <-time.After(2 * time.Second):
		t.Fatal("sample did not reach the subscriber")
	}

	assert.Equal(t, []string{"v1"}, b.SnapshotState().ConnectedValidators)
}

func TestSessionRejectsBadToken(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.ClientFrame{
		Hello: &wire.Hello{ValidatorID: "v1", AuthToken: "wrong"},
	}))

	frame, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, frame.Ack)
	assert.False(t, frame.Ack.Accepted)
	assert.Equal(t, "authentication failed", frame.Ack.Reason)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Empty(t, b.SnapshotState().ConnectedValidators)
}

func TestSessionRejectsUnknownValidator(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.ClientFrame{
		Hello: &wire.Hello{ValidatorID: "ghost", AuthToken: testToken},
	}))

	frame, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, frame.Ack)
	assert.False(t, frame.Ack.Accepted)
}

func TestSessionFirstFrameMustBeHello(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.ClientFrame{
		Sample: &model.MetricSample{ValidatorID: "v1"},
	}))

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHandshakeRateLimit(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)

	// All bufconn sessions share one peer address, so five failures exhaust
	// the bucket for the sixth attempt.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stream, err := client.Session(ctx)
		require.NoError(t, err)
		require.NoError(t, stream.Send(&wire.ClientFrame{
			Hello: &wire.Hello{ValidatorID: "v1", AuthToken: "wrong"},
		}))
		frame, err := stream.Recv()
		require.NoError(t, err)
		require.NotNil(t, frame.Ack)
		assert.Equal(t, "authentication failed", frame.Ack.Reason)
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.ClientFrame{
		Hello: &wire.Hello{ValidatorID: "v1", AuthToken: testToken},
	}))

	frame, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, frame.Ack)
	assert.False(t, frame.Ack.Accepted)
	assert.Equal(t, "rate_limited", frame.Ack.Reason)

	_, err = stream.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestActionRoundTripOverWire(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)
	stream := openSession(t, client, "v1", testToken)

	p, err := b.Submit(&model.Action{
		ValidatorID: "v1",
		Kind:        model.ActionRunCommand,
		Params:      map[string]string{"command": "true"},
	})
	require.NoError(t, err)

	frame, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, frame.Action)
	assert.Equal(t, p.ActionID, frame.Action.ActionID)
	assert.Equal(t, model.ActionRunCommand, frame.Action.Kind)

	code := int32(0)
	require.NoError(t, stream.Send(&wire.ClientFrame{
		Result: &model.ActionResult{
			ActionID:    frame.Action.ActionID,
			ValidatorID: "v1",
			Status:      model.StatusSuccess,
			ExitCode:    &code,
			CompletedAt: time.Now().Unix(),
		},
	}))

	res := waitResult(t, p)
	assert.Equal(t, model.StatusSuccess, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, int32(0), *res.ExitCode)
}

func TestSupersedeOverWire(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)

	first := openSession(t, client, "v1", testToken)
	_ = openSession(t, client, "v1", testToken)

	_, err := first.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Aborted, status.Code(err))

	assert.Equal(t, []string{"v1"}, b.SnapshotState().ConnectedValidators)
}

func TestSessionSampleIdentityMismatch(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)
	stream := openSession(t, client, "v1", testToken)

	require.NoError(t, stream.Send(&wire.ClientFrame{
		Sample: &model.MetricSample{ValidatorID: "v2"},
	}))

	_, err := stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWatchMetricsSnapshotAndLive(t *testing.T) {
	b := newTestBroker(registeredValidator("v1"))
	client := serveBroker(t, b)

	lag := uint64(1)
	b.ingestSample(model.MetricSample{ValidatorID: "v1", SlotLag: &lag, CapturedAt: time.Now().Unix()})
	b.ingestSample(model.MetricSample{ValidatorID: "v2", CapturedAt: time.Now().Unix()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	watch, err := client.WatchMetrics(ctx, &wire.WatchRequest{
		ValidatorIDs:    []string{"v1"},
		IncludeSnapshot: true,
	})
	require.NoError(t, err)

	snap, err := watch.Recv()
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.ValidatorID)

	// Live samples follow the snapshot; the v2 sample is filtered out.
	lag2 := uint64(2)
	b.ingestSample(model.MetricSample{ValidatorID: "v2", SlotLag: &lag2, CapturedAt: time.Now().Unix()})
	b.ingestSample(model.MetricSample{ValidatorID: "v1", SlotLag: &lag2, CapturedAt: time.Now().Unix()})

	live, err := watch.Recv()
	require.NoError(t, err)
	assert.Equal(t, "v1", live.ValidatorID)
	require.NotNil(t, live.SlotLag)
	assert.Equal(t, uint64(2), *live.SlotLag)
}
