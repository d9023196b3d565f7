// Package engine turns metric samples into remediation actions: ordered rule
// classification, risk scoring, debounce, plan synthesis (LLM-advised with a
// static rulebook fallback) and submission to the broker.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/broker"
	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/metrics"
	"github.com/stakeops/validator-copilot/internal/model"
)

// Submitter dispatches one action and returns the channel its terminal
// result will arrive on.
type Submitter interface {
	Submit(action *model.Action) (<-chan *model.ActionResult, error)
}

// BrokerSubmitter adapts *broker.Broker to the Submitter interface.
type BrokerSubmitter struct {
	Broker *broker.Broker
}

func (s BrokerSubmitter) Submit(action *model.Action) (<-chan *model.ActionResult, error) {
	pending, err := s.Broker.Submit(action)
	if err != nil {
		return nil, err
	}
	return pending.Done(), nil
}

// validatorState is the engine's per-validator memory. It is owned by the
// engine's single worker; outside readers get copies via Snapshot.
type validatorState struct {
	health     model.HealthState
	issue      model.Issue
	actionID   string
	cpuStreak  int
	lastAction map[model.Issue]time.Time
	// actionTimes is the rolling submission log backing the per-validator cap.
	actionTimes []time.Time
}

// ValidatorStatus is the externally visible slice of a validator's state.
type ValidatorStatus struct {
	State    model.HealthState
	Issue    model.Issue
	ActionID string
}

// Engine is the decision engine. Run drives it from a broker subscription;
// Process handles one sample.
type Engine struct {
	cfg       config.EngineConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	submitter Submitter
	planner   Planner
	rulebook  Rulebook

	states map[string]*validatorState

	// llmGate keeps planner calls sequential; a sample that finds the gate
	// busy is planned from the rulebook instead.
	llmGate sync.Mutex

	snapshotReq chan chan map[string]ValidatorStatus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates the engine. planner may be nil to force the rulebook path.
func New(cfg config.EngineConfig, submitter Submitter, planner Planner, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		submitter:   submitter,
		planner:     planner,
		rulebook:    DefaultRulebook(),
		states:      make(map[string]*validatorState),
		snapshotReq: make(chan chan map[string]ValidatorStatus),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Run consumes the sample stream until it closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, samples <-chan model.MetricSample) {
	for {
		select {
		case sample, ok := <-samples:
			if !ok {
				return
			}
			e.Process(ctx, sample)
		case reply := <-e.snapshotReq:
			reply <- e.snapshotStates()
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns a copy of every validator's status. Only valid while Run
// is active; the state is owned by the worker and handed out by message.
func (e *Engine) Snapshot(ctx context.Context) (map[string]ValidatorStatus, error) {
	reply := make(chan map[string]ValidatorStatus, 1)
	select {
	case e.snapshotReq <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) snapshotStates() map[string]ValidatorStatus {
	out := make(map[string]ValidatorStatus, len(e.states))
	for id, st := range e.states {
		out[id] = ValidatorStatus{State: st.health, Issue: st.issue, ActionID: st.actionID}
	}
	return out
}

// Process classifies one sample and, when warranted, synthesizes and submits
// remediation actions.
func (e *Engine) Process(ctx context.Context, sample model.MetricSample) {
	now := e.now()
	st := e.state(sample.ValidatorID)

	issue := e.classify(sample, st, now)
	risk := RiskScore(sample)
	e.metrics.IssuesDetectedTotal.WithLabelValues(string(issue)).Inc()
	e.metrics.RiskScore.WithLabelValues(sample.ValidatorID).Set(risk)

	if issue == model.IssueHealthy {
		if st.health != model.StateHealthy && st.health != model.StateUnknown {
			e.logger.Info("Validator recovered",
				zap.String("validator_id", sample.ValidatorID),
				zap.String("previous_issue", string(st.issue)))
		}
		st.health = model.StateHealthy
		st.issue = model.IssueHealthy
		st.actionID = ""
		return
	}

	st.health = model.StateDegraded
	st.issue = issue
	e.logger.Warn("Issue detected",
		zap.String("validator_id", sample.ValidatorID),
		zap.String("issue", string(issue)),
		zap.Float64("risk", risk))

	// Issues without a rulebook entry are observability-only; there is no
	// remediation a control plane can run against a broken scrape.
	if len(e.rulebook[issue]) == 0 {
		return
	}

	if !e.debounceAllows(st, issue, now) {
		e.metrics.ActionsSuppressedTotal.Inc()
		e.logger.Info("Remediation suppressed",
			zap.String("validator_id", sample.ValidatorID),
			zap.String("issue", string(issue)))
		return
	}

	specs, rationale := e.plan(ctx, sample, issue)
	for _, spec := range specs {
		action := e.buildAction(sample.ValidatorID, issue, spec, rationale)
		if !e.submitWithBackoff(ctx, action) {
			continue
		}
		// Debounce marks only on successful submission so a NotConnected
		// discard lets the next sample after reconnect act immediately.
		st.lastAction[issue] = now
		st.actionTimes = append(st.actionTimes, now)
		st.health = model.StateRecovering
		st.actionID = action.ActionID
	}
}

func (e *Engine) state(validatorID string) *validatorState {
	st, ok := e.states[validatorID]
	if !ok {
		st = &validatorState{
			health:     model.StateUnknown,
			issue:      model.IssueHealthy,
			lastAction: make(map[model.Issue]time.Time),
		}
		e.states[validatorID] = st
	}
	return st
}

// debounceAllows enforces the per-(validator, issue) cooldown and the rolling
// per-validator action cap.
func (e *Engine) debounceAllows(st *validatorState, issue model.Issue, now time.Time) bool {
	if last, ok := st.lastAction[issue]; ok && now.Sub(last) < e.cfg.Cooldown {
		return false
	}

	cutoff := now.Add(-e.cfg.ActionCapWindow)
	kept := st.actionTimes[:0]
	for _, t := range st.actionTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.actionTimes = kept
	return len(st.actionTimes) < e.cfg.ActionCap
}

// plan selects the action list: planner when configured and idle, rulebook
// otherwise or on any planner failure.
func (e *Engine) plan(ctx context.Context, sample model.MetricSample, issue model.Issue) ([]ActionSpec, string) {
	if e.planner != nil {
		if e.llmGate.TryLock() {
			specs, rationale, err := e.planner.Plan(ctx, sample, issue)
			e.llmGate.Unlock()
			if err == nil && len(specs) > 0 {
				return specs, rationale
			}
			e.metrics.LLMFallbacksTotal.Inc()
			e.logger.Warn("Planner failed, falling back to rulebook",
				zap.String("validator_id", sample.ValidatorID),
				zap.String("issue", string(issue)),
				zap.Error(err))
		} else {
			e.metrics.LLMFallbacksTotal.Inc()
		}
	}
	return e.rulebook[issue], ""
}

func (e *Engine) buildAction(validatorID string, issue model.Issue, spec ActionSpec, rationale string) *model.Action {
	params := make(map[string]string, len(spec.Params)+2)
	for k, v := range spec.Params {
		params[k] = v
	}
	params["issue"] = string(issue)
	if rationale != "" {
		params["rationale"] = rationale
	}
	return &model.Action{
		ValidatorID:    validatorID,
		Kind:           spec.Kind,
		Params:         params,
		DeadlineMillis: e.cfg.ActionDeadline.Milliseconds(),
	}
}

// submitWithBackoff submits one action, retrying backpressure with jittered
// exponential backoff until max_submit_wait is exhausted.
func (e *Engine) submitWithBackoff(ctx context.Context, action *model.Action) bool {
	delay := time.Second
	var waited time.Duration
	for {
		resultCh, err := e.submitter.Submit(action)
		if err == nil {
			go e.awaitResult(action.ValidatorID, action.ActionID, resultCh)
			return true
		}
		switch {
		case errors.Is(err, broker.ErrNotConnected):
			e.logger.Info("Validator not connected, action discarded",
				zap.String("validator_id", action.ValidatorID),
				zap.String("kind", string(action.Kind)))
			return false
		case errors.Is(err, broker.ErrBackpressureFull):
			if waited >= e.cfg.MaxSubmitWait {
				e.logger.Warn("Dropping action, broker overloaded",
					zap.String("validator_id", action.ValidatorID),
					zap.String("kind", string(action.Kind)),
					zap.Duration("waited", waited))
				return false
			}
			d := jitter(delay)
			if !e.sleep(ctx, d) {
				return false
			}
			waited += d
			delay *= 2
		default:
			e.logger.Error("Action submit failed",
				zap.String("validator_id", action.ValidatorID),
				zap.Error(err))
			return false
		}
	}
}

// awaitResult logs the terminal result. Results are informational; the next
// sample, not the result, drives the next decision.
func (e *Engine) awaitResult(validatorID, actionID string, resultCh <-chan *model.ActionResult) {
	res, ok := <-resultCh
	if !ok || res == nil {
		return
	}
	fields := []zap.Field{
		zap.String("validator_id", validatorID),
		zap.String("action_id", actionID),
		zap.String("status", string(res.Status)),
		zap.Int64("duration_ms", res.DurationMillis),
	}
	if res.Reason != "" {
		fields = append(fields, zap.String("reason", res.Reason))
	}
	if res.Status == model.StatusSuccess {
		e.logger.Info("Remediation completed", fields...)
	} else {
		e.logger.Warn("Remediation did not succeed", fields...)
	}
}

// jitter returns a duration in [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
