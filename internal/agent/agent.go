// Package agent is the validator-side process: it scrapes the local metrics
// endpoint, streams samples to the control plane over one authenticated
// session, and executes the actions the control plane sends back.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/wire"
)

// Agent owns the session lifecycle: connect, handshake, pump, reconnect.
type Agent struct {
	cfg      *config.AgentConfig
	scraper  *Scraper
	executor *Executor
	logger   *zap.Logger
	dialOpts []grpc.DialOption
}

// New creates the agent. Extra dial options are appended to the defaults so
// tests can point the agent at an in-memory listener.
func New(cfg *config.AgentConfig, logger *zap.Logger, dialOpts ...grpc.DialOption) *Agent {
	return &Agent{
		cfg:      cfg,
		scraper:  NewScraper(cfg.ValidatorID, cfg.MetricsURL, cfg.ScrapeTimeout, logger),
		executor: NewExecutor(cfg.Executor, logger),
		logger:   logger,
		dialOpts: dialOpts,
	}
}

// Run maintains the session until ctx is cancelled, reopening it with
// jittered exponential backoff after any failure. A successful handshake
// resets the backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.ReconnectBase
	for {
		acked, err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if acked {
			backoff = a.cfg.ReconnectBase
		}

		wait := jitterDuration(backoff)
		a.logger.Warn("Session ended, reconnecting",
			zap.String("validator_id", a.cfg.ValidatorID),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if !sleepContext(ctx, wait) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > a.cfg.ReconnectCap {
			backoff = a.cfg.ReconnectCap
		}
	}
}

// runSession drives one connection to its end. The returned bool reports
// whether the handshake was accepted.
func (a *Agent) runSession(ctx context.Context) (bool, error) {
	conn, err := wire.Dial(a.cfg.ServerAddr, a.dialOpts...)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := wire.NewClient(conn).Session(sctx)
	if err != nil {
		return false, err
	}

	if err := sess.Send(&wire.ClientFrame{Hello: &wire.Hello{
		ValidatorID: a.cfg.ValidatorID,
		AuthToken:   a.cfg.AuthToken,
	}}); err != nil {
		return false, fmt.Errorf("failed to send hello: %w", err)
	}

	first, err := sess.Recv()
	if err != nil {
		return false, fmt.Errorf("handshake failed: %w", err)
	}
	if first.Ack == nil {
		return false, fmt.Errorf("protocol error: expected ack, got another frame")
	}
	if !first.Ack.Accepted {
		return false, fmt.Errorf("handshake rejected: %s", first.Ack.Reason)
	}
	a.logger.Info("Session established",
		zap.String("validator_id", a.cfg.ValidatorID),
		zap.String("server", a.cfg.ServerAddr))

	// One writer goroutine serializes all sends; the scrape loop and the
	// executor both hand frames to it.
	out := make(chan *wire.ClientFrame, 16)
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case frame := <-out:
				if err := sess.Send(frame); err != nil {
					writeErr <- err
					return
				}
			case <-sctx.Done():
				return
			}
		}
	}()

	go a.scrapeLoop(sctx, out)

	// Actions execute serially in the receive loop; the next action is not
	// read until the current one finished.
	for {
		select {
		case err := <-writeErr:
			return true, fmt.Errorf("session write failed: %w", err)
		default:
		}

		frame, err := sess.Recv()
		if err != nil {
			return true, err
		}
		if frame.Action == nil {
			continue
		}
		result := a.executor.Execute(sctx, frame.Action)
		select {
		case out <- &wire.ClientFrame{Result: result}:
		case <-sctx.Done():
			return true, sctx.Err()
		}
	}
}

func (a *Agent) scrapeLoop(ctx context.Context, out chan<- *wire.ClientFrame) {
	ticker := time.NewTicker(a.cfg.ScrapeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sample := a.scraper.Scrape(ctx)
			select {
			case out <- &wire.ClientFrame{Sample: &sample}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// jitterDuration returns a duration in [d/2, d).
func jitterDuration(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
