package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sagaflow/flow/step"
)

// sagaStep records execute/compensate calls into a shared trace.
type sagaStep struct {
	name      string
	failExec  bool
	failComp  bool
	slowComp  time.Duration
	panicComp bool
	mu        *sync.Mutex
	trace     *[]string
	compCalls int
}

func (s *sagaStep) Name() string { return s.name }

func (s *sagaStep) Execute(_ context.Context, state map[string]any) (map[string]any, error) {
	s.record("exec:" + s.name)
	if s.failExec {
		return nil, step.NewError("timeout", "induced")
	}
	return map[string]any{s.name + "_done": true}, nil
}

func (s *sagaStep) Compensate(ctx context.Context, _ map[string]any) error {
	s.compCalls++
	s.record("comp:" + s.name)
	if s.panicComp {
		panic("compensation bug")
	}
	if s.slowComp > 0 {
		select {
		case <-time.After(s.slowComp):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failComp {
		return errors.New("undo failed")
	}
	return nil
}

func (s *sagaStep) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.trace = append(*s.trace, ev)
}

type noCompStep struct{ name string }

func (s noCompStep) Name() string { return s.name }
func (s noCompStep) Execute(_ context.Context, state map[string]any) (map[string]any, error) {
	return state, nil
}

func newTrace() (*sync.Mutex, *[]string) {
	return &sync.Mutex{}, &[]string{}
}

func TestRunHappyPath(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	items := []Item{
		{Step: &sagaStep{name: "reserve", mu: mu, trace: trace}},
		{Step: &sagaStep{name: "charge", mu: mu, trace: trace}},
		{Step: &sagaStep{name: "notify", mu: mu, trace: trace}},
	}
	res, err := o.Run(context.Background(), items, map[string]any{"order": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reserve", "charge", "notify"}, res.Executed)
	assert.Empty(t, res.Compensations)
	assert.Equal(t, true, res.State["charge_done"], "map results merge into the context")
	assert.Equal(t, "o-1", res.State["order"])
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	items := []Item{
		{Step: &sagaStep{name: "one", mu: mu, trace: trace}},
		{Step: &sagaStep{name: "two", mu: mu, trace: trace}},
		{Step: &sagaStep{name: "three", failExec: true, mu: mu, trace: trace}},
	}
	res, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	assert.Equal(t, "three", res.FailedStep)
	assert.Equal(t, []string{"one", "two"}, res.Executed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"exec:one", "exec:two", "exec:three", "comp:two", "comp:one"}, *trace,
		"compensations run in reverse, the failed step is never compensated")
}

func TestCompensationFailuresAreCollected(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	var notified []CompensationResult
	o.OnCompensation = func(r CompensationResult) { notified = append(notified, r) }

	items := []Item{
		{Step: &sagaStep{name: "a", mu: mu, trace: trace}},
		{Step: &sagaStep{name: "b", failComp: true, mu: mu, trace: trace}},
		{Step: &sagaStep{name: "c", failExec: true, mu: mu, trace: trace}},
	}
	res, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	require.Len(t, res.Compensations, 2)
	assert.Error(t, res.Compensations[0].Err, "b's compensation failed")
	assert.NoError(t, res.Compensations[1].Err, "a still compensated after b failed")
	assert.Len(t, notified, 2, "callback fires per compensation")
}

func TestCriticalCompensationAbortsRemaining(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	items := []Item{
		{Step: &sagaStep{name: "a", mu: mu, trace: trace}},
		{Step: &sagaStep{name: "b", failComp: true, mu: mu, trace: trace}, Opts: Options{Critical: true}},
		{Step: &sagaStep{name: "c", failExec: true, mu: mu, trace: trace}},
	}
	res, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	require.Len(t, res.Compensations, 2)
	assert.Error(t, res.Compensations[0].Err)
	assert.True(t, res.Compensations[1].Skipped, "critical failure skips the rest")
	assert.ErrorIs(t, res.Compensations[1].Err, ErrCompensationAborted)
}

func TestCompensationRetry(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	flakyComp := &sagaStep{name: "a", failComp: true, mu: mu, trace: trace}
	items := []Item{
		{Step: flakyComp, Opts: Options{RetryCompensation: true}},
		{Step: &sagaStep{name: "b", failExec: true, mu: mu, trace: trace}},
	}
	_, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	assert.Equal(t, 3, flakyComp.compCalls, "retry_compensation re-attempts the undo")
}

func TestCompensationTimeout(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	items := []Item{
		{Step: &sagaStep{name: "slow", slowComp: time.Second, mu: mu, trace: trace},
			Opts: Options{CompensationTimeout: 20 * time.Millisecond}},
		{Step: &sagaStep{name: "fail", failExec: true, mu: mu, trace: trace}},
	}
	start := time.Now()
	res, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	require.Len(t, res.Compensations, 1)
	assert.Error(t, res.Compensations[0].Err, "timed-out compensation is a failure")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCompensationPanicTrapped(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	items := []Item{
		{Step: &sagaStep{name: "boom", panicComp: true, mu: mu, trace: trace}},
		{Step: &sagaStep{name: "fail", failExec: true, mu: mu, trace: trace}},
	}
	res, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	require.Len(t, res.Compensations, 1)
	assert.Error(t, res.Compensations[0].Err)
}

func TestNoCompensatorIsNoOp(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	items := []Item{
		{Step: noCompStep{name: "plain"}},
		{Step: &sagaStep{name: "fail", failExec: true, mu: mu, trace: trace}},
	}
	res, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	require.Len(t, res.Compensations, 1)
	assert.NoError(t, res.Compensations[0].Err, "missing compensate defaults to no-op")
}

func TestCustomCompensatorOverride(t *testing.T) {
	mu, trace := newTrace()
	called := false
	custom := customComp{fn: func() { called = true }}
	o := New(nil)
	items := []Item{
		{Step: &sagaStep{name: "a", mu: mu, trace: trace}, Opts: Options{Compensator: custom}},
		{Step: &sagaStep{name: "fail", failExec: true, mu: mu, trace: trace}},
	}
	_, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	assert.True(t, called, "options compensator overrides the step's own")

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, *trace, "comp:a")
}

type customComp struct{ fn func() }

func (c customComp) Compensate(context.Context, map[string]any) error {
	c.fn()
	return nil
}

func TestParallelCompensation(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	o.Parallel = true
	o.MaxParallel = 2

	items := []Item{
		{Step: &sagaStep{name: "a", slowComp: 10 * time.Millisecond, mu: mu, trace: trace}},
		{Step: &sagaStep{name: "b", slowComp: 10 * time.Millisecond, mu: mu, trace: trace}},
		{Step: &sagaStep{name: "c", slowComp: 10 * time.Millisecond, mu: mu, trace: trace}},
		{Step: &sagaStep{name: "fail", failExec: true, mu: mu, trace: trace}},
	}
	res, err := o.Run(context.Background(), items, nil)
	require.Error(t, err)
	require.Len(t, res.Compensations, 3)
	for _, r := range res.Compensations {
		assert.NoError(t, r.Err)
		assert.NotEmpty(t, r.StepName)
	}
}

func TestCompensateStandalone(t *testing.T) {
	mu, trace := newTrace()
	o := New(nil)
	executed := []Item{
		{Step: &sagaStep{name: "x", mu: mu, trace: trace}},
		{Step: &sagaStep{name: "y", mu: mu, trace: trace}},
	}
	results := o.Compensate(context.Background(), executed, map[string]any{})
	require.Len(t, results, 2)
	assert.Equal(t, "y", results[0].StepName, "standalone unwind still runs in reverse")
	assert.Equal(t, "x", results[1].StepName)
}
