package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/sagaflow/flow/breaker"
	"github.com/dshills/sagaflow/flow/idempotency"
	"github.com/dshills/sagaflow/flow/step"
)

// Result is the outcome of a successful ExecuteStep.
type Result struct {
	// State is the step's output state (or the cached result when
	// Cached is true).
	State map[string]any
	// Attempts is the attempt number that succeeded.
	Attempts int
	// Cached reports that the result came from a completed idempotency
	// record and user code did not run.
	Cached bool
}

// Executor runs one step under a retry policy, consulting the
// idempotency store before each attempt and the step's circuit breaker
// before calling user code.
type Executor struct {
	idem     *idempotency.Store
	breakers *breaker.Registry
	log      *zap.Logger

	// sleep is the cancellable backoff primitive; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// OnRetry, if set, observes every failed attempt that will be
	// retried. The engine uses it to feed metrics.
	OnRetry func(workflowID, stepName string, attempt int, err error)
}

// NewExecutor creates an executor. breakers and logger may be nil.
func NewExecutor(idem *idempotency.Store, breakers *breaker.Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		idem:     idem,
		breakers: breakers,
		log:      logger,
		sleep:    Sleep,
	}
}

// Sleep blocks for d or until ctx is cancelled, whichever first. It is
// the engine's cooperative suspension point during backoff: actor
// termination cancels ctx and the sleep returns promptly.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteStep runs st under policy p for the given workflow.
//
// Per attempt: derive the idempotency key, begin it, short-circuit on a
// cached completion, check the circuit breaker, inject the reserved
// state keys, run validate (if implemented) and execute with panics
// trapped, then settle the idempotency record and breaker accounting.
// Transient failures sleep the policy's backoff and try again; permanent
// failures and exhausted budgets return the original error.
func (e *Executor) ExecuteStep(ctx context.Context, workflowID string, st step.Step, state map[string]any, p Policy) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		key := idempotency.Key(workflowID, st.Name(), attempt)

		outcome, rec, err := e.idem.Begin(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("step %s attempt %d: %w", st.Name(), attempt, err)
		}
		switch outcome {
		case idempotency.OutcomeAlreadyCompleted:
			e.log.Debug("step result cached, skipping execution",
				zap.String("workflow_id", workflowID),
				zap.String("step", st.Name()),
				zap.Int("attempt", attempt))
			return &Result{State: rec.Result, Attempts: attempt, Cached: true}, nil
		case idempotency.OutcomeFailed:
			// A previous run burned this attempt; move to the next key
			// without sleeping.
			lastErr = step.NewError(rec.Error, rec.Error)
			continue
		case idempotency.OutcomeAlreadyPending:
			// Crash recovery: re-execute under the same key.
		case idempotency.OutcomeOK:
		}

		if p.CircuitBreaker != "" && e.breakers != nil && !e.breakers.Allow(p.CircuitBreaker) {
			cbErr := step.Errorf(TagCircuitOpen, "breaker %s is open", p.CircuitBreaker)
			if err := e.idem.Fail(ctx, key, TagCircuitOpen); err != nil {
				e.log.Warn("idempotency fail write lost", zap.String("key", key), zap.Error(err))
			}
			return nil, cbErr
		}

		attemptState := injectAttempt(state, key, attempt, p.MaxAttempts)
		newState, execErr := e.runStep(ctx, st, attemptState)

		if execErr == nil {
			if err := e.idem.Complete(ctx, key, newState); err != nil {
				e.log.Warn("idempotency complete write lost", zap.String("key", key), zap.Error(err))
			}
			if p.CircuitBreaker != "" && e.breakers != nil {
				e.breakers.Get(p.CircuitBreaker).ReportSuccess()
			}
			return &Result{State: newState, Attempts: attempt}, nil
		}

		if err := e.idem.Fail(ctx, key, step.TagOf(execErr)); err != nil {
			e.log.Warn("idempotency fail write lost", zap.String("key", key), zap.Error(err))
		}
		if p.CircuitBreaker != "" && e.breakers != nil {
			e.breakers.Get(p.CircuitBreaker).ReportFailure()
		}
		lastErr = execErr

		if attempt == p.MaxAttempts {
			break
		}
		if !p.ShouldRetry(execErr) {
			e.log.Debug("error not retryable under policy",
				zap.String("workflow_id", workflowID),
				zap.String("step", st.Name()),
				zap.String("tag", step.TagOf(execErr)))
			return nil, execErr
		}

		if e.OnRetry != nil {
			e.OnRetry(workflowID, st.Name(), attempt, execErr)
		}
		delay := p.Delay(attempt)
		e.log.Info("step failed, backing off",
			zap.String("workflow_id", workflowID),
			zap.String("step", st.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(execErr))
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// runStep invokes validate and execute with panics trapped at the
// boundary: user code must never kill the actor.
func (e *Executor) runStep(ctx context.Context, st step.Step, state map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = step.Errorf(TagException, "panic in step %s: %v", st.Name(), r)
		}
	}()

	if v, ok := st.(step.Validator); ok {
		if err := v.Validate(state); err != nil {
			return nil, err
		}
	}
	return st.Execute(ctx, state)
}

func injectAttempt(state map[string]any, key string, attempt, maxAttempts int) map[string]any {
	out := make(map[string]any, len(state)+3)
	for k, v := range state {
		out[k] = v
	}
	out[step.KeyIdempotencyKey] = key
	out[step.KeyRetryAttempt] = attempt
	out[step.KeyMaxAttempts] = maxAttempts
	return out
}
