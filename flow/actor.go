package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/sagaflow/flow/breaker"
	"github.com/dshills/sagaflow/flow/bus"
	"github.com/dshills/sagaflow/flow/dlq"
	"github.com/dshills/sagaflow/flow/graph"
	"github.com/dshills/sagaflow/flow/idempotency"
	"github.com/dshills/sagaflow/flow/retry"
	"github.com/dshills/sagaflow/flow/saga"
	"github.com/dshills/sagaflow/flow/step"
	"github.com/dshills/sagaflow/flow/store"
)

// mailboxSize bounds the actor's command queue. Self-directed
// execute-next signals and external queries share it.
const mailboxSize = 64

type msgKind int

const (
	msgExecuteNext msgKind = iota
	msgGetState
)

type actorMsg struct {
	kind  msgKind
	reply chan Snapshot
}

// deps is the injected handle bundle every actor shares. Process-wide
// singletons (bus, dlq, breakers) are passed in, never reached for
// globally.
type deps struct {
	store    store.Store
	idem     *idempotency.Store
	breakers *breaker.Registry
	comp     *saga.Orchestrator
	bus      *bus.Bus
	dlq      *dlq.Queue
	metrics  *Metrics
	log      *zap.Logger
	defaults retry.Policy
}

// Actor owns one in-flight workflow: a goroutine draining a mailbox,
// executing one step at a time, persisting and broadcasting every state
// change. All fields past the channels are touched only by the actor
// goroutine.
type Actor struct {
	id      string
	defKey  string
	params  map[string]any
	def     Definition
	g       *graph.Graph
	d       *deps
	exec    *retry.Executor
	mailbox chan actorMsg
	done    chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}

	wf       *store.Workflow
	current  string
	executed []saga.Item
}

func newActor(id, defKey string, params map[string]any, def Definition, d *deps) (*Actor, error) {
	g, err := buildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", defKey, err)
	}
	a := &Actor{
		id:      id,
		defKey:  defKey,
		params:  params,
		def:     def,
		g:       g,
		d:       d,
		mailbox: make(chan actorMsg, mailboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	// Per-actor executor so retry callbacks can append this workflow's
	// step_failed events.
	a.exec = retry.NewExecutor(d.idem, d.breakers, d.log)
	a.exec.OnRetry = func(workflowID, stepName string, attempt int, err error) {
		a.appendEvent(context.Background(), store.EventStepFailed, map[string]any{
			"step":    stepName,
			"attempt": attempt,
			"error":   err.Error(),
		})
		a.d.metrics.retryObserved(stepName)
	}
	return a, nil
}

// ID returns the workflow id this actor serves.
func (a *Actor) ID() string { return a.id }

// Done closes when the actor goroutine exits.
func (a *Actor) Done() <-chan struct{} { return a.done }

// GetState asks the running actor for a snapshot. Served between steps;
// falls back to the store when the actor has already exited.
func (a *Actor) GetState(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case a.mailbox <- actorMsg{kind: msgGetState, reply: reply}:
	case <-a.done:
		return Snapshot{}, ErrWorkflowNotFound
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-a.done:
		return Snapshot{}, ErrWorkflowNotFound
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Stop requests a graceful exit. An in-flight step attempt commits its
// idempotency write first; a retry backoff sleep is cut short.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

// run is the actor goroutine body. A nil return is a clean exit
// (completion, stop, or business failure); a non-nil return is abnormal
// and makes the supervisor restart the actor.
func (a *Actor) run(parent context.Context) (err error) {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", a.id, r)
			a.d.log.Error("workflow actor panic", zap.String("workflow_id", a.id), zap.Any("panic", r))
		}
	}()

	// Stop cancels ctx so a step's retry backoff sleep ends promptly
	// instead of running out its schedule.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-a.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.init(ctx); err != nil {
		return err
	}
	a.signalNext()

	for {
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				a.d.log.Info("workflow actor cancelled", zap.String("workflow_id", a.id))
			} else {
				a.d.log.Info("workflow actor stopped", zap.String("workflow_id", a.id))
			}
			return nil
		case m := <-a.mailbox:
			switch m.kind {
			case msgGetState:
				m.reply <- snapshotOf(a.wf)
			case msgExecuteNext:
				finished, err := a.advance(ctx)
				if err != nil {
					return err
				}
				if finished {
					return nil
				}
				if ctx.Err() != nil {
					// Stop landed while the step was in flight; the
					// committed state stands and the run stays resumable.
					a.d.log.Info("workflow actor stopped", zap.String("workflow_id", a.id))
					return nil
				}
				// Yield: queued queries run before the next step.
				a.signalNext()
			}
		}
	}
}

// init loads or creates the workflow record. A fresh id persists a
// pending record and the workflow_started event; a crashed run resumes
// from the stored state with the graph walk restarting at the entry
// node, where completed steps short-circuit through the idempotency
// cache.
func (a *Actor) init(ctx context.Context) error {
	a.current = a.g.Start()

	existing, err := a.d.store.GetWorkflow(ctx, a.id)
	switch {
	case err == nil:
		if existing.Status == store.StatusCompleted || existing.Status == store.StatusFailed {
			a.wf = existing
			a.d.log.Info("workflow already terminal, nothing to resume",
				zap.String("workflow_id", a.id),
				zap.String("status", string(existing.Status)))
			return nil
		}
		a.wf = existing
		a.wf.CurrentStepIndex = 0 // recomputed as cached steps skip
		a.d.log.Info("resuming workflow from persisted state",
			zap.String("workflow_id", a.id),
			zap.String("definition_key", a.defKey))
		return nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("load workflow %s: %w", a.id, err)
	}

	now := store.Now()
	a.wf = &store.Workflow{
		ID:            a.id,
		DefinitionKey: a.defKey,
		Status:        store.StatusPending,
		State:         a.def.InitialState(a.params),
		TotalSteps:    a.g.StepCount(),
		StartedAt:     now,
		InsertedAt:    now,
		UpdatedAt:     now,
	}
	if err := a.d.store.SaveWorkflow(ctx, a.wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", a.id, err)
	}
	a.appendEvent(ctx, store.EventWorkflowStarted, map[string]any{
		"definition_key": a.defKey,
		"params":         a.params,
	})
	a.d.metrics.workflowStarted(a.defKey)
	a.broadcast()
	return nil
}

// advance processes the current graph node: executes a step, routes
// through a branch, or passes a join. Returns true when the workflow
// reached a terminal status.
func (a *Actor) advance(ctx context.Context) (bool, error) {
	if a.wf.Status == store.StatusCompleted || a.wf.Status == store.StatusFailed {
		return true, nil
	}
	if a.current == "" {
		return true, a.complete(ctx)
	}
	node := a.g.Node(a.current)
	if node == nil {
		a.fail(ctx, "", fmt.Errorf("node %q not in graph", a.current))
		return true, nil
	}

	if node.Kind == graph.KindStep {
		if done := a.executeStep(ctx, node); done {
			return true, nil
		}
	}

	targets, err := a.g.Next(a.current, a.wf.State)
	if err != nil {
		if errors.Is(err, graph.ErrNoMatchingBranch) {
			a.fail(ctx, a.current, step.NewError("no_matching_branch", err.Error()))
			return true, nil
		}
		a.fail(ctx, a.current, err)
		return true, nil
	}
	if len(targets) == 0 {
		return true, a.complete(ctx)
	}
	a.current = targets[0]
	return false, nil
}

// executeStep runs one step node through the retry engine. Returns true
// when the workflow finalized (failed) inside this call.
func (a *Actor) executeStep(ctx context.Context, node *graph.Node) bool {
	st, ok := node.Step.(step.Step)
	if !ok {
		a.fail(ctx, node.ID, fmt.Errorf("node %q step %q does not implement execution", node.ID, node.Step.Name()))
		return true
	}
	name := st.Name()
	policy := a.policyFor(name)

	if a.wf.Status == store.StatusPending {
		a.wf.Status = store.StatusRunning
	}

	// Prior-run check: a completed record from a previous incarnation
	// means the step already ran and must not re-execute.
	if cached, found := a.cachedResult(ctx, name, policy.MaxAttempts); found {
		a.appendEvent(ctx, store.EventStepSkipped, map[string]any{"step": name})
		a.adoptSuccess(ctx, st, cached)
		return false
	}

	a.appendEvent(ctx, store.EventStepStarted, map[string]any{
		"step":   name,
		"policy": policyLabel(policy),
	})

	start := time.Now()
	res, err := a.exec.ExecuteStep(ctx, a.id, st, a.wf.State, policy)
	took := time.Since(start)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Termination interrupted a backoff sleep or a cooperative
			// step. Not a workflow failure: the last committed attempt
			// stands.
			return true
		}
		a.d.metrics.observeStep(name, took, true)
		a.appendEvent(ctx, store.EventStepFailed, map[string]any{
			"step":        name,
			"error":       err.Error(),
			"tag":         step.TagOf(err),
			"duration_ms": took.Milliseconds(),
		})
		a.wf.State = a.def.HandleStepFailure(name, err, a.wf.State)
		a.compensate(ctx, name)
		a.fail(ctx, name, err)
		return true
	}

	a.d.metrics.observeStep(name, took, false)
	if res.Cached {
		a.appendEvent(ctx, store.EventStepSkipped, map[string]any{"step": name})
	} else {
		a.appendEvent(ctx, store.EventStepCompleted, map[string]any{
			"step":        name,
			"attempts":    res.Attempts,
			"duration_ms": took.Milliseconds(),
		})
	}
	a.adoptSuccess(ctx, st, res.State)
	return false
}

// adoptSuccess folds a step's output into workflow state, advances the
// index, persists, and broadcasts.
func (a *Actor) adoptSuccess(ctx context.Context, st step.Step, out map[string]any) {
	state := a.def.HandleStepSuccess(st.Name(), mergeState(a.wf.State, out))
	a.wf.State = scrubReserved(state)
	a.wf.CurrentStepIndex++
	a.executed = append(a.executed, saga.Item{Step: st, Opts: a.sagaOptionsFor(st.Name())})
	a.persist(ctx)
	a.broadcast()
}

// cachedResult scans prior-run idempotency records for a completed
// attempt of this step.
func (a *Actor) cachedResult(ctx context.Context, stepName string, maxAttempts int) (map[string]any, bool) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec, err := a.d.idem.Status(ctx, idempotency.Key(a.id, stepName, attempt))
		if errors.Is(err, store.ErrNotFound) {
			return nil, false
		}
		if err != nil {
			a.d.log.Warn("idempotency lookup failed",
				zap.String("workflow_id", a.id),
				zap.String("step", stepName),
				zap.Error(err))
			return nil, false
		}
		if rec.Status == store.IdempotencyCompleted {
			return rec.Result, true
		}
	}
	return nil, false
}

// compensate unwinds previously executed steps when the definition opts
// in. Each compensation failure becomes a dead-letter entry of type
// compensation_failed.
func (a *Actor) compensate(ctx context.Context, failedStep string) {
	c, ok := a.def.(Compensating)
	if !ok || !c.CompensateOnFailure() || len(a.executed) == 0 {
		return
	}
	a.d.log.Info("compensating executed steps",
		zap.String("workflow_id", a.id),
		zap.Int("steps", len(a.executed)),
		zap.String("failed_step", failedStep))

	results := a.d.comp.Compensate(ctx, a.executed, a.wf.State)
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		entry := &store.DLQEntry{
			Type:          store.DLQCompensationFailed,
			WorkflowID:    a.id,
			DefinitionKey: a.defKey,
			FailedStep:    r.StepName,
			Error:         r.Err.Error(),
			Context:       a.wf.State,
		}
		if _, err := a.d.dlq.Enqueue(ctx, entry); err != nil {
			a.d.log.Error("dead-lettering compensation failure failed",
				zap.String("workflow_id", a.id),
				zap.String("step", r.StepName),
				zap.Error(err))
		}
	}
}

// complete finalizes a successful run.
func (a *Actor) complete(ctx context.Context) error {
	now := store.Now()
	a.wf.Status = store.StatusCompleted
	a.wf.CompletedAt = &now
	a.wf.CurrentStepIndex = a.wf.TotalSteps
	a.persist(ctx)
	a.appendEvent(ctx, store.EventWorkflowCompleted, map[string]any{
		"total_steps": a.wf.TotalSteps,
	})
	a.d.metrics.workflowFinished(a.defKey, false)
	a.broadcast()
	a.d.log.Info("workflow completed",
		zap.String("workflow_id", a.id),
		zap.Int("steps", a.wf.TotalSteps))
	return nil
}

// fail finalizes a failed run and hands it to the dead-letter queue.
func (a *Actor) fail(ctx context.Context, failedStep string, cause error) {
	now := store.Now()
	a.wf.Status = store.StatusFailed
	a.wf.Error = cause.Error()
	a.wf.CompletedAt = &now
	a.persist(ctx)
	a.appendEvent(ctx, store.EventWorkflowFailed, map[string]any{
		"step":  failedStep,
		"error": cause.Error(),
		"tag":   step.TagOf(cause),
	})
	a.d.metrics.workflowFinished(a.defKey, true)
	a.broadcast()

	entry := &store.DLQEntry{
		Type:           store.DLQWorkflowFailed,
		WorkflowID:     a.id,
		DefinitionKey:  a.defKey,
		FailedStep:     failedStep,
		Error:          cause.Error(),
		Context:        a.wf.State,
		OriginalParams: a.params,
	}
	if _, err := a.d.dlq.Enqueue(ctx, entry); err != nil {
		a.d.log.Error("dead-lettering failed workflow failed",
			zap.String("workflow_id", a.id),
			zap.Error(err))
	}
	a.d.log.Warn("workflow failed",
		zap.String("workflow_id", a.id),
		zap.String("step", failedStep),
		zap.Error(cause))
}

// persist writes the workflow record. Persistence failures are logged,
// not fatal: the event trail reconciles the record later.
func (a *Actor) persist(ctx context.Context) {
	a.wf.UpdatedAt = store.Now()
	if err := a.d.store.SaveWorkflow(ctx, a.wf); err != nil {
		a.d.log.Error("workflow persist failed",
			zap.String("workflow_id", a.id),
			zap.Error(err))
	}
}

func (a *Actor) appendEvent(ctx context.Context, t store.EventType, data map[string]any) {
	ev := &store.Event{
		EventID:    uuid.NewString(),
		WorkflowID: a.id,
		Type:       t,
		Data:       data,
		Timestamp:  store.Now(),
	}
	if err := a.d.store.AppendEvent(ctx, ev); err != nil {
		a.d.log.Error("event append failed",
			zap.String("workflow_id", a.id),
			zap.String("type", string(t)),
			zap.Error(err))
	}
}

func (a *Actor) broadcast() {
	payload := snapshotOf(a.wf).payload()
	a.d.bus.Publish(bus.TopicWorkflows, payload)
	a.d.bus.Publish(bus.WorkflowTopic(a.id), payload)
}

func (a *Actor) signalNext() {
	select {
	case a.mailbox <- actorMsg{kind: msgExecuteNext}:
	default:
		// Mailbox saturated with queries; the signal must still land,
		// unless the actor exits first.
		go func() {
			select {
			case a.mailbox <- actorMsg{kind: msgExecuteNext}:
			case <-a.done:
			}
		}()
	}
}

func (a *Actor) policyFor(stepName string) retry.Policy {
	if p, ok := a.def.(PolicyProvider); ok {
		return p.RetryPolicy(stepName)
	}
	return a.d.defaults
}

func (a *Actor) sagaOptionsFor(stepName string) saga.Options {
	if p, ok := a.def.(SagaOptionsProvider); ok {
		return p.SagaOptions(stepName)
	}
	return saga.Options{}
}

func mergeState(base, out map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(out))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range out {
		merged[k] = v
	}
	return merged
}

// scrubReserved drops the per-attempt keys the retry engine injected so
// they do not leak into the persisted state of later steps.
func scrubReserved(state map[string]any) map[string]any {
	delete(state, step.KeyIdempotencyKey)
	delete(state, step.KeyRetryAttempt)
	delete(state, step.KeyMaxAttempts)
	return state
}

func policyLabel(p retry.Policy) string {
	return fmt.Sprintf("attempts=%d", p.MaxAttempts)
}
