// Package saga executes ordered step sequences with automatic
// compensation: when a step fails, every previously successful step is
// compensated in reverse order, sequentially or with bounded
// parallelism, each under its own timeout.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/sagaflow/flow/step"
)

// DefaultCompensationTimeout bounds a single compensation call when the
// step's options do not override it.
const DefaultCompensationTimeout = 30 * time.Second

// compensationRetries is the attempt budget when RetryCompensation is
// set on a step.
const compensationRetries = 3

// ErrCompensationAborted is returned inside a critical step's
// CompensationResult chain when its failure stopped the remaining
// compensations.
var ErrCompensationAborted = errors.New("compensation aborted by critical step failure")

// Options carries per-step saga metadata.
type Options struct {
	// CompensationTimeout bounds the compensate call. Zero means
	// DefaultCompensationTimeout.
	CompensationTimeout time.Duration
	// RetryCompensation re-attempts a failed compensation a few times
	// before recording it as failed.
	RetryCompensation bool
	// Critical marks a step whose compensation failure aborts the
	// remaining compensations instead of merely being collected.
	Critical bool
	// Compensator overrides the step's own Compensate implementation.
	Compensator step.Compensator
}

// Item pairs a step with its saga options.
type Item struct {
	Step step.Step
	Opts Options
}

// CompensationResult records one compensation outcome.
type CompensationResult struct {
	StepName string
	Err      error
	Skipped  bool
	Duration time.Duration
}

// Result is the outcome of a saga run. On success Executed lists every
// step in execution order and Compensations is empty; on failure
// Compensations holds one entry per previously executed step, in the
// order they were compensated.
type Result struct {
	State         map[string]any
	Executed      []string
	FailedStep    string
	Compensations []CompensationResult
}

// Orchestrator runs sagas. The zero value is not usable; construct with
// New.
type Orchestrator struct {
	log *zap.Logger

	// Parallel runs compensations concurrently with at most MaxParallel
	// in flight. Default is sequential reverse order.
	Parallel    bool
	MaxParallel int64

	// OnCompensation is invoked after each compensation settles.
	OnCompensation func(CompensationResult)

	// Execute runs one forward step. The engine points this at the retry
	// executor; the default calls the step directly.
	Execute func(ctx context.Context, st step.Step, state map[string]any) (map[string]any, error)
}

// New creates a sequential orchestrator. logger may be nil.
func New(logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		log:         logger,
		MaxParallel: 4,
		Execute: func(ctx context.Context, st step.Step, state map[string]any) (map[string]any, error) {
			return st.Execute(ctx, state)
		},
	}
}

// Run executes items in order against initial. Map results merge into
// the running state. On the first failure, previously executed steps
// are compensated in reverse order and Run returns the step's error
// alongside a Result carrying the executed list and per-compensation
// outcomes.
func (o *Orchestrator) Run(ctx context.Context, items []Item, initial map[string]any) (*Result, error) {
	state := make(map[string]any, len(initial))
	for k, v := range initial {
		state[k] = v
	}
	res := &Result{State: state}

	var executed []Item
	for _, it := range items {
		out, err := o.Execute(ctx, it.Step, state)
		if err != nil {
			res.FailedStep = it.Step.Name()
			o.log.Warn("saga step failed, compensating",
				zap.String("step", it.Step.Name()),
				zap.Int("executed", len(executed)),
				zap.Error(err))
			res.Compensations = o.compensateAll(ctx, executed, state)
			return res, fmt.Errorf("saga step %s: %w", it.Step.Name(), err)
		}
		for k, v := range out {
			state[k] = v
		}
		executed = append(executed, it)
		res.Executed = append(res.Executed, it.Step.Name())
	}
	return res, nil
}

// Compensate undoes already-executed items in reverse order without
// re-running them. The actor uses this when a non-saga path executed
// the steps and only the unwind is needed.
func (o *Orchestrator) Compensate(ctx context.Context, executed []Item, state map[string]any) []CompensationResult {
	return o.compensateAll(ctx, executed, state)
}

// compensateAll undoes executed steps in reverse order. Failures are
// collected, not fatal, except when a critical step's compensation
// fails: then the remainder is recorded as skipped.
func (o *Orchestrator) compensateAll(ctx context.Context, executed []Item, state map[string]any) []CompensationResult {
	reversed := make([]Item, len(executed))
	for i, it := range executed {
		reversed[len(executed)-1-i] = it
	}
	if o.Parallel {
		return o.compensateParallel(ctx, reversed, state)
	}
	return o.compensateSequential(ctx, reversed, state)
}

func (o *Orchestrator) compensateSequential(ctx context.Context, items []Item, state map[string]any) []CompensationResult {
	results := make([]CompensationResult, 0, len(items))
	aborted := false
	for _, it := range items {
		if aborted {
			r := CompensationResult{StepName: it.Step.Name(), Skipped: true, Err: ErrCompensationAborted}
			results = append(results, r)
			o.notify(r)
			continue
		}
		r := o.compensateOne(ctx, it, state)
		results = append(results, r)
		o.notify(r)
		if r.Err != nil && it.Opts.Critical {
			o.log.Error("critical compensation failed, aborting remaining",
				zap.String("step", it.Step.Name()), zap.Error(r.Err))
			aborted = true
		}
	}
	return results
}

func (o *Orchestrator) compensateParallel(ctx context.Context, items []Item, state map[string]any) []CompensationResult {
	limit := o.MaxParallel
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	results := make([]CompensationResult, len(items))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, it := range items {
		if err := sem.Acquire(gctx, 1); err != nil {
			r := CompensationResult{StepName: it.Step.Name(), Skipped: true, Err: ErrCompensationAborted}
			results[i] = r
			o.notify(r)
			continue
		}
		i, it := i, it
		g.Go(func() error {
			defer sem.Release(1)
			r := o.compensateOne(gctx, it, state)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			o.notify(r)
			if r.Err != nil && it.Opts.Critical {
				// Cancels gctx so pending acquisitions record as skipped.
				return ErrCompensationAborted
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// compensateOne runs a single compensation under its timeout, with the
// step's retry preference and a panic trap.
func (o *Orchestrator) compensateOne(ctx context.Context, it Item, state map[string]any) CompensationResult {
	comp := it.Opts.Compensator
	if comp == nil {
		c, ok := it.Step.(step.Compensator)
		if !ok {
			// No compensate defined; treated as a successful no-op.
			return CompensationResult{StepName: it.Step.Name()}
		}
		comp = c
	}

	timeout := it.Opts.CompensationTimeout
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}
	attempts := 1
	if it.Opts.RetryCompensation {
		attempts = compensationRetries
	}

	start := time.Now()
	var err error
	for i := 1; i <= attempts; i++ {
		err = o.callCompensate(ctx, comp, it.Step.Name(), state, timeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if i < attempts {
			o.log.Warn("compensation failed, retrying",
				zap.String("step", it.Step.Name()),
				zap.Int("attempt", i),
				zap.Error(err))
			time.Sleep(time.Duration(i) * 100 * time.Millisecond)
		}
	}
	if err != nil {
		o.log.Error("compensation failed",
			zap.String("step", it.Step.Name()),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
	}
	return CompensationResult{StepName: it.Step.Name(), Err: err, Duration: time.Since(start)}
}

func (o *Orchestrator) callCompensate(ctx context.Context, comp step.Compensator, name string, state map[string]any, timeout time.Duration) (err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in compensation for %s: %v", name, r)
		}
	}()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in compensation for %s: %v", name, r)
			}
		}()
		done <- comp.Compensate(cctx, state)
	}()
	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return fmt.Errorf("compensation for %s: %w", name, cctx.Err())
	}
}

func (o *Orchestrator) notify(r CompensationResult) {
	if o.OnCompensation != nil {
		o.OnCompensation(r)
	}
}
