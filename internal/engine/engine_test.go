package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeops/validator-copilot/internal/broker"
	"github.com/stakeops/validator-copilot/internal/model"
)

// fakeSubmitter records submitted actions and replays a scripted error per
// call; once the script runs out, every submit succeeds.
type fakeSubmitter struct {
	mu      sync.Mutex
	actions []*model.Action
	errs    []error
}

func (f *fakeSubmitter) Submit(action *model.Action) (<-chan *model.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	action.ActionID = fmt.Sprintf("test-action-%d", len(f.actions)+1)
	f.actions = append(f.actions, action)
	ch := make(chan *model.ActionResult)
	close(ch)
	return ch, nil
}

func (f *fakeSubmitter) submitted() []*model.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Action(nil), f.actions...)
}

// manualClock lets tests drive the engine's idea of time.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func engineWithClock(sub Submitter, planner Planner) (*Engine, *manualClock) {
	e := newTestEngine(sub, planner)
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	e.now = clock.Now
	return e, clock
}

func laggingSample(clock *manualClock) model.MetricSample {
	s := healthySample("v1", clock.Now())
	s.SlotLag = u64p(500)
	return s
}

func TestDebounceSuppressesRepeats(t *testing.T) {
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s := laggingSample(clock)
		e.Process(ctx, s)
	}

	actions := sub.submitted()
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionRestartValidator, actions[0].Kind)
	assert.Equal(t, "v1", actions[0].ValidatorID)
	assert.Equal(t, string(model.IssueHighSlotLag), actions[0].Params["issue"])
	assert.Equal(t, int64(30_000), actions[0].DeadlineMillis)
}

func TestDebounceExpiresAfterCooldown(t *testing.T) {
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, nil)
	ctx := context.Background()

	e.Process(ctx, laggingSample(clock))
	clock.Advance(121 * time.Second)
	e.Process(ctx, laggingSample(clock))

	assert.Len(t, sub.submitted(), 2)
}

func TestActionCapBoundsStorms(t *testing.T) {
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, nil)
	e.cfg.Cooldown = time.Millisecond
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		e.Process(ctx, laggingSample(clock))
		clock.Advance(time.Second)
	}

	assert.Len(t, sub.submitted(), 5)
}

func TestActionCapWindowSlides(t *testing.T) {
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, nil)
	e.cfg.Cooldown = time.Millisecond
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.Process(ctx, laggingSample(clock))
		clock.Advance(time.Second)
	}
	require.Len(t, sub.submitted(), 5)

	clock.Advance(11 * time.Minute)
	e.Process(ctx, laggingSample(clock))
	assert.Len(t, sub.submitted(), 6)
}

func TestNotConnectedDoesNotMarkDebounce(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{broker.ErrNotConnected}}
	e, clock := engineWithClock(sub, nil)
	ctx := context.Background()

	e.Process(ctx, laggingSample(clock))
	require.Empty(t, sub.submitted())

	// Same sample inside what would be the cooldown window: the discarded
	// attempt must not have consumed it.
	e.Process(ctx, laggingSample(clock))
	assert.Len(t, sub.submitted(), 1)
}

func TestBackpressureBacksOffThenDrops(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = broker.ErrBackpressureFull
	}
	sub := &fakeSubmitter{errs: errs}
	e, clock := engineWithClock(sub, nil)

	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}

	e.Process(context.Background(), laggingSample(clock))

	assert.Empty(t, sub.submitted())
	require.NotEmpty(t, sleeps)
	// Jittered exponential: each wait lands in [base/2, base).
	assert.GreaterOrEqual(t, sleeps[0], 500*time.Millisecond)
	assert.Less(t, sleeps[0], time.Second)
	if len(sleeps) > 1 {
		assert.GreaterOrEqual(t, sleeps[1], time.Second)
		assert.Less(t, sleeps[1], 2*time.Second)
	}
	assert.LessOrEqual(t, len(sleeps), 4)
}

func TestStateMachineTransitions(t *testing.T) {
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, nil)
	ctx := context.Background()

	st := e.state("v1")
	assert.Equal(t, model.StateUnknown, st.health)

	e.Process(ctx, healthySample("v1", clock.Now()))
	assert.Equal(t, model.StateHealthy, st.health)

	e.Process(ctx, laggingSample(clock))
	assert.Equal(t, model.StateRecovering, st.health)
	assert.Equal(t, model.IssueHighSlotLag, st.issue)
	assert.NotEmpty(t, st.actionID)

	// Recovery is decided by the next sample, not by the action result.
	e.Process(ctx, healthySample("v1", clock.Now()))
	assert.Equal(t, model.StateHealthy, st.health)
	assert.Empty(t, st.actionID)
}

func TestDegradedWhenSubmitImpossible(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{broker.ErrNotConnected}}
	e, clock := engineWithClock(sub, nil)

	e.Process(context.Background(), laggingSample(clock))
	assert.Equal(t, model.StateDegraded, e.state("v1").health)
}

func TestObservabilityOnlyIssuesEmitNoActions(t *testing.T) {
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, nil)
	ctx := context.Background()

	stale := healthySample("v1", clock.Now().Add(-5*time.Minute))
	e.Process(ctx, stale)

	invalid := healthySample("v1", clock.Now())
	invalid.SlotLag = nil
	e.Process(ctx, invalid)

	assert.Empty(t, sub.submitted())
	assert.Equal(t, model.StateDegraded, e.state("v1").health)
}

// plannerFunc adapts a function to the Planner interface.
type plannerFunc func(ctx context.Context, sample model.MetricSample, issue model.Issue) ([]ActionSpec, string, error)

func (f plannerFunc) Plan(ctx context.Context, sample model.MetricSample, issue model.Issue) ([]ActionSpec, string, error) {
	return f(ctx, sample, issue)
}

func TestPlannerFailureFallsBackToRulebook(t *testing.T) {
	failing := plannerFunc(func(ctx context.Context, sample model.MetricSample, issue model.Issue) ([]ActionSpec, string, error) {
		return nil, "", fmt.Errorf("model returned garbage")
	})
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, failing)

	s := healthySample("v1", clock.Now())
	s.DiskUsagePct = f64p(97)
	e.Process(context.Background(), s)

	actions := sub.submitted()
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionFlushLedger, actions[0].Kind)
	assert.NotContains(t, actions[0].Params, "rationale")
}

func TestPlannerPlanIsUsedWhenValid(t *testing.T) {
	planner := plannerFunc(func(ctx context.Context, sample model.MetricSample, issue model.Issue) ([]ActionSpec, string, error) {
		return []ActionSpec{
			{Kind: model.ActionRotateSnapshot},
			{Kind: model.ActionRunCommand, Params: map[string]string{"command": "df -h"}},
		}, "disk nearly full, rotate before flushing", nil
	})
	sub := &fakeSubmitter{}
	e, clock := engineWithClock(sub, planner)

	s := healthySample("v1", clock.Now())
	s.DiskUsagePct = f64p(97)
	e.Process(context.Background(), s)

	actions := sub.submitted()
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionRotateSnapshot, actions[0].Kind)
	assert.Equal(t, model.ActionRunCommand, actions[1].Kind)
	assert.Equal(t, "df -h", actions[1].Params["command"])
	assert.Equal(t, "disk nearly full, rotate before flushing", actions[0].Params["rationale"])
	assert.Equal(t, string(model.IssueHighDisk), actions[0].Params["issue"])
}
