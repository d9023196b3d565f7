// Package broker owns the control-plane pipeline: validator sessions,
// metric-sample fan-out, and the pending-action table that correlates
// dispatched actions with their results.
package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/auth"
	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/metrics"
	"github.com/stakeops/validator-copilot/internal/model"
)

var (
	// ErrNotConnected means the target validator has no live session.
	ErrNotConnected = errors.New("validator not connected")
	// ErrBackpressureFull means the session's outbound queue is full.
	ErrBackpressureFull = errors.New("outbound queue full")
	// ErrInvalidAction means the submitted action failed validation.
	ErrInvalidAction = errors.New("invalid action")
	// ErrShuttingDown means the broker is draining and accepts no new work.
	ErrShuttingDown = errors.New("broker shutting down")
)

// defaultDeadline applies when a submitted action carries no deadline.
const defaultDeadline = 30 * time.Second

// Broker is the session and action hub. All maps are guarded by mu; channel
// sends under the lock are non-blocking by construction.
type Broker struct {
	cfg        config.BrokerConfig
	validators map[string]config.ValidatorConfig
	verifier   *auth.Verifier
	limiter    *auth.FailureLimiter
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	conns   map[string]*connection
	pending map[string]*pendingAction
	latest  map[string]model.MetricSample

	hub *hub

	closed    chan struct{}
	closeOnce sync.Once
}

// connection is one live validator session as seen by the broker.
type connection struct {
	validatorID string
	peerAddr    string
	openedAt    time.Time
	outbound    chan *model.Action
	// done is closed when the connection is evicted (superseded or broker
	// shutdown); the session handler watches it.
	done     chan struct{}
	doneOnce sync.Once
}

func (c *connection) evict() {
	c.doneOnce.Do(func() { close(c.done) })
}

// pendingAction tracks one dispatched action until its result arrives or its
// deadline passes.
type pendingAction struct {
	action   *model.Action
	deadline time.Time
	result   chan *model.ActionResult
	once     sync.Once
}

// resolve delivers the terminal result exactly once; later calls are no-ops.
func (p *pendingAction) resolve(res *model.ActionResult) {
	p.once.Do(func() {
		p.result <- res
		close(p.result)
	})
}

// New creates a broker for the given validator registry.
func New(cfg config.BrokerConfig, validators []config.ValidatorConfig, logger *zap.Logger, m *metrics.Metrics) *Broker {
	reg := make(map[string]config.ValidatorConfig, len(validators))
	for _, v := range validators {
		reg[v.ID] = v
	}
	return &Broker{
		cfg:        cfg,
		validators: reg,
		verifier:   auth.NewVerifier(cfg.AuthPepper),
		limiter:    auth.NewFailureLimiter(cfg.AuthFailureLimit, cfg.AuthFailureWindow),
		logger:     logger,
		metrics:    m,
		conns:      make(map[string]*connection),
		pending:    make(map[string]*pendingAction),
		latest:     make(map[string]model.MetricSample),
		hub:        newHub(cfg.SubscriberQueueSize, m),
		closed:     make(chan struct{}),
	}
}

// Pending is the submitter's handle to an in-flight action.
type Pending struct {
	ActionID string
	result   <-chan *model.ActionResult
}

// Done yields the terminal result. The channel delivers exactly one value;
// every pending action terminates, by result, deadline, supersede, disconnect
// or shutdown.
func (p *Pending) Done() <-chan *model.ActionResult {
	return p.result
}

// Wait blocks until the result arrives or ctx is cancelled.
func (p *Pending) Wait(ctx context.Context) (*model.ActionResult, error) {
	select {
	case res := <-p.result:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit validates the action, assigns its id, registers it as pending and
// enqueues it on the target session. The enqueue is non-blocking; a full
// queue fails fast with ErrBackpressureFull and leaves no pending entry.
func (b *Broker) Submit(action *model.Action) (*Pending, error) {
	if action == nil || action.ValidatorID == "" {
		return nil, ErrInvalidAction
	}
	if !model.ValidActionKind(action.Kind) {
		return nil, ErrInvalidAction
	}
	// Ids are broker-owned so uniqueness cannot depend on caller behavior.
	if action.ActionID != "" {
		return nil, ErrInvalidAction
	}
	select {
	case <-b.closed:
		return nil, ErrShuttingDown
	default:
	}

	now := time.Now()
	deadline := defaultDeadline
	if action.DeadlineMillis > 0 {
		deadline = time.Duration(action.DeadlineMillis) * time.Millisecond
	} else {
		action.DeadlineMillis = defaultDeadline.Milliseconds()
	}
	action.ActionID = uuid.NewString()
	action.CreatedAt = now.Unix()

	entry := &pendingAction{
		action:   action,
		deadline: now.Add(deadline),
		result:   make(chan *model.ActionResult, 1),
	}

	b.mu.Lock()
	conn, ok := b.conns[action.ValidatorID]
	if !ok {
		b.mu.Unlock()
		action.ActionID = ""
		return nil, ErrNotConnected
	}
	select {
	case conn.outbound <- action:
	default:
		b.mu.Unlock()
		// Leave the action unclaimed so the submitter can retry it.
		action.ActionID = ""
		return nil, ErrBackpressureFull
	}
	b.pending[action.ActionID] = entry
	b.metrics.PendingActions.Set(float64(len(b.pending)))
	b.mu.Unlock()

	b.metrics.ActionsSubmittedTotal.WithLabelValues(string(action.Kind)).Inc()
	b.logger.Info("Action dispatched",
		zap.String("validator_id", action.ValidatorID),
		zap.String("action_id", action.ActionID),
		zap.String("kind", string(action.Kind)))

	return &Pending{ActionID: action.ActionID, result: entry.result}, nil
}

// SubscribeMetrics registers a sample subscriber. The caller must Close it.
func (b *Broker) SubscribeMetrics(name string) *Subscription {
	return b.hub.subscribe(name)
}

// State is a point-in-time snapshot of broker internals for the operator
// surface.
type State struct {
	ConnectedValidators []string
	PendingActions      int
	SubscriberLag       map[string]uint64
}

// SnapshotState reports connected validators, pending-action count and
// per-subscriber drop counts.
func (b *Broker) SnapshotState() State {
	b.mu.Lock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	pending := len(b.pending)
	b.mu.Unlock()

	sort.Strings(ids)
	return State{
		ConnectedValidators: ids,
		PendingActions:      pending,
		SubscriberLag:       b.hub.lagCounts(),
	}
}

// LatestSamples returns the most recent sample per validator. An empty filter
// matches all validators.
func (b *Broker) LatestSamples(filter []string) []model.MetricSample {
	want := make(map[string]bool, len(filter))
	for _, id := range filter {
		want[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.MetricSample, 0, len(b.latest))
	for id, sample := range b.latest {
		if len(want) > 0 && !want[id] {
			continue
		}
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidatorID < out[j].ValidatorID })
	return out
}

// Run drives the deadline sweeper until ctx is cancelled, then shuts the
// broker down.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep(time.Now())
		case <-ctx.Done():
			b.Shutdown()
			return
		case <-b.closed:
			return
		}
	}
}

// sweep times out every pending action whose deadline has passed.
func (b *Broker) sweep(now time.Time) {
	var expired []*pendingAction

	b.mu.Lock()
	for id, entry := range b.pending {
		if now.After(entry.deadline) {
			delete(b.pending, id)
			expired = append(expired, entry)
		}
	}
	b.metrics.PendingActions.Set(float64(len(b.pending)))
	b.mu.Unlock()

	for _, entry := range expired {
		b.logger.Warn("Action deadline expired",
			zap.String("validator_id", entry.action.ValidatorID),
			zap.String("action_id", entry.action.ActionID))
		b.finish(entry, model.StatusTimeout, "deadline expired", now)
	}
}

// Shutdown drains the broker: after the grace period every live session is
// evicted and every pending action resolves as Failure(shutdown). Idempotent.
func (b *Broker) Shutdown() {
	b.closeOnce.Do(func() {
		b.logger.Info("Broker shutting down", zap.Duration("grace", b.cfg.ShutdownGrace))
		time.Sleep(b.cfg.ShutdownGrace)
		close(b.closed)

		b.mu.Lock()
		conns := make([]*connection, 0, len(b.conns))
		for _, c := range b.conns {
			conns = append(conns, c)
		}
		b.conns = make(map[string]*connection)
		remaining := make([]*pendingAction, 0, len(b.pending))
		for _, entry := range b.pending {
			remaining = append(remaining, entry)
		}
		b.pending = make(map[string]*pendingAction)
		b.metrics.PendingActions.Set(0)
		b.metrics.SessionsActive.Set(0)
		b.mu.Unlock()

		for _, c := range conns {
			c.evict()
		}
		now := time.Now()
		for _, entry := range remaining {
			b.finish(entry, model.StatusFailure, "shutdown", now)
		}
	})
}

// attach installs a freshly authenticated connection, evicting any prior
// session for the same validator and timing out its pending actions.
func (b *Broker) attach(conn *connection) {
	var evicted *connection
	var orphaned []*pendingAction

	b.mu.Lock()
	if old, ok := b.conns[conn.validatorID]; ok {
		evicted = old
		orphaned = b.takePendingLocked(conn.validatorID)
	}
	b.conns[conn.validatorID] = conn
	b.metrics.SessionsActive.Set(float64(len(b.conns)))
	b.mu.Unlock()

	b.metrics.SessionsTotal.Inc()
	if evicted != nil {
		b.metrics.SessionsSuperseded.Inc()
		b.logger.Info("Session superseded",
			zap.String("validator_id", conn.validatorID),
			zap.String("old_peer", evicted.peerAddr),
			zap.String("new_peer", conn.peerAddr))
		evicted.evict()
		now := time.Now()
		for _, entry := range orphaned {
			b.finish(entry, model.StatusTimeout, "superseded", now)
		}
	}
}

// detach removes the connection if it is still the registered one and times
// out its pending actions. A connection that was superseded is already gone
// and its pending entries were settled by attach.
func (b *Broker) detach(conn *connection) {
	var orphaned []*pendingAction

	b.mu.Lock()
	if current, ok := b.conns[conn.validatorID]; ok && current == conn {
		delete(b.conns, conn.validatorID)
		orphaned = b.takePendingLocked(conn.validatorID)
	}
	b.metrics.SessionsActive.Set(float64(len(b.conns)))
	b.mu.Unlock()

	now := time.Now()
	for _, entry := range orphaned {
		b.finish(entry, model.StatusTimeout, "disconnected", now)
	}
}

// takePendingLocked removes and returns every pending action addressed to
// the validator. Caller holds mu.
func (b *Broker) takePendingLocked(validatorID string) []*pendingAction {
	var taken []*pendingAction
	for id, entry := range b.pending {
		if entry.action.ValidatorID == validatorID {
			delete(b.pending, id)
			taken = append(taken, entry)
		}
	}
	b.metrics.PendingActions.Set(float64(len(b.pending)))
	return taken
}

// finish resolves a pending entry with a broker-synthesized result.
func (b *Broker) finish(entry *pendingAction, status model.ActionStatus, reason string, now time.Time) {
	entry.resolve(&model.ActionResult{
		ActionID:    entry.action.ActionID,
		ValidatorID: entry.action.ValidatorID,
		Status:      status,
		Reason:      reason,
		CompletedAt: now.Unix(),
	})
	b.metrics.ActionResultsTotal.WithLabelValues(string(status)).Inc()
}

// ingestSample records the latest sample and fans it out.
func (b *Broker) ingestSample(sample model.MetricSample) {
	b.mu.Lock()
	b.latest[sample.ValidatorID] = sample
	b.mu.Unlock()

	b.metrics.SamplesIngestedTotal.Inc()
	b.hub.publish(sample)
}

// resolveResult matches an agent-reported result to its pending action.
// Unmatched or mismatched results are dropped and counted.
func (b *Broker) resolveResult(res *model.ActionResult) {
	b.mu.Lock()
	entry, ok := b.pending[res.ActionID]
	if ok && entry.action.ValidatorID != res.ValidatorID {
		ok = false
	}
	if ok {
		delete(b.pending, res.ActionID)
		b.metrics.PendingActions.Set(float64(len(b.pending)))
	}
	b.mu.Unlock()

	if !ok {
		b.metrics.OrphanResultsTotal.Inc()
		b.logger.Warn("Orphan action result dropped",
			zap.String("validator_id", res.ValidatorID),
			zap.String("action_id", res.ActionID),
			zap.String("status", string(res.Status)))
		return
	}

	entry.resolve(res)
	b.metrics.ActionResultsTotal.WithLabelValues(string(res.Status)).Inc()
	b.logger.Info("Action resolved",
		zap.String("validator_id", res.ValidatorID),
		zap.String("action_id", res.ActionID),
		zap.String("status", string(res.Status)),
		zap.Int64("duration_ms", res.DurationMillis))
}
