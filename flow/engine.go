package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/sagaflow/flow/alert"
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

// Engine is the facade external surfaces (API, dashboard, CLI) consume.
// It owns the process-wide singletons (breaker registry, DLQ, alert
// dispatcher, event bus) and the supervisor tree of workflow actors.
type Engine struct {
	st       store.Store
	idem     *idempotency.Store
	breakers *breaker.Registry
	comp     *saga.Orchestrator
	bus      *bus.Bus
	dlq      *dlq.Queue
	alerts   *alert.Dispatcher
	metrics  *Metrics
	defs     *Definitions
	reg      *Registry
	sup      *Supervisor
	log      *zap.Logger
	defaults retry.Policy

	mu     sync.Mutex
	closed bool

	// option staging, consumed by NewEngine
	extraChannels []alert.Channel
	parallelComp  int64
	dlqMaxRetries *int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger; components derive named loggers
// from it.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics registers engine metrics on reg and wires breaker state
// into them.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = NewMetrics(reg) }
}

// WithAlertChannels installs alert delivery channels beyond the default
// logger and bus channels.
func WithAlertChannels(channels ...alert.Channel) Option {
	return func(e *Engine) {
		e.extraChannels = append(e.extraChannels, channels...)
	}
}

// WithDefaultPolicy overrides the retry policy used by steps whose
// definition supplies none.
func WithDefaultPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.defaults = p }
}

// WithParallelCompensation switches compensation to bounded-parallel
// execution.
func WithParallelCompensation(limit int64) Option {
	return func(e *Engine) { e.parallelComp = limit }
}

// WithDLQMaxRetries caps scheduler-driven DLQ retries per entry,
// typically from the dlq.max_retries config key.
func WithDLQMaxRetries(n int) Option {
	return func(e *Engine) { e.dlqMaxRetries = &n }
}

// NewEngine assembles an engine over the given store.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		st:       st,
		log:      zap.NewNop(),
		defaults: retry.MustNamed("conservative"),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.idem = idempotency.New(st)
	e.breakers = breaker.NewRegistry(e.log.Named("breaker"))
	e.comp = saga.New(e.log.Named("saga"))
	if e.parallelComp > 0 {
		e.comp.Parallel = true
		e.comp.MaxParallel = e.parallelComp
	}
	e.bus = bus.New(e.log.Named("bus"))
	channels := append([]alert.Channel{
		&alert.LoggerChannel{Log: e.log.Named("alert")},
		&alert.BusChannel{Bus: e.bus},
	}, e.extraChannels...)
	e.alerts = alert.New(e.log.Named("alert"), channels)
	var dlqOpts []dlq.QueueOption
	if e.dlqMaxRetries != nil {
		dlqOpts = append(dlqOpts, dlq.WithMaxAutoRetries(*e.dlqMaxRetries))
	}
	e.dlq = dlq.New(st, e.alerts, nil, e.log.Named("dlq"), dlqOpts...)
	e.dlq.SetHandler(dlq.RetryHandlerFunc(e.retryDLQEntry))
	e.defs = NewDefinitions()
	e.reg = NewRegistry()
	e.sup = NewSupervisor(e.reg, e.log.Named("supervisor"))

	if e.metrics != nil {
		e.breakers.OnStateChange(func(name string, _, to breaker.State) {
			e.metrics.ObserveBreaker(name, to)
		})
	}
	return e
}

// Start launches background plumbing (the DLQ retry scanner).
func (e *Engine) Start() error {
	return e.dlq.Start()
}

// RegisterDefinition binds a definition key.
func (e *Engine) RegisterDefinition(key string, def Definition) {
	e.defs.Register(key, def)
}

// Bus exposes the event bus for subscribers (dashboard, tracing
// bridge).
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Alerts exposes the alert dispatcher.
func (e *Engine) Alerts() *alert.Dispatcher { return e.alerts }

// Breakers exposes the circuit-breaker registry for admin surfaces.
func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

// DLQ exposes the dead-letter queue for admin surfaces.
func (e *Engine) DLQ() *dlq.Queue { return e.dlq }

// StartWorkflow spawns a supervised actor for workflowID. A duplicate
// live id returns the existing handle with ErrAlreadyStarted.
func (e *Engine) StartWorkflow(defKey, workflowID string, params map[string]any) (*Actor, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	def, err := e.defs.Resolve(defKey)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", workflowID, err)
	}
	d := e.actorDeps()
	factory := func() (*Actor, error) {
		return newActor(workflowID, defKey, params, def, d)
	}
	return e.sup.StartChild(workflowID, factory)
}

// StopWorkflow gracefully terminates a live actor.
func (e *Engine) StopWorkflow(workflowID string) error {
	return e.sup.StopChild(workflowID)
}

// GetState returns a workflow snapshot: from the live actor when one
// exists, from the store otherwise.
func (e *Engine) GetState(ctx context.Context, workflowID string) (Snapshot, error) {
	if a, ok := e.reg.Lookup(workflowID); ok {
		snap, err := a.GetState(ctx)
		if err == nil {
			return snap, nil
		}
	}
	wf, err := e.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", workflowID, ErrWorkflowNotFound)
	}
	return snapshotOf(wf), nil
}

// ListWorkflows returns stored records matching the filter, newest
// first.
func (e *Engine) ListWorkflows(ctx context.Context, f store.WorkflowFilter) ([]*store.Workflow, error) {
	return e.st.ListWorkflows(ctx, f)
}

// CountByStatus returns workflow counts keyed by status.
func (e *Engine) CountByStatus(ctx context.Context) (map[store.Status]int, error) {
	return e.st.CountByStatus(ctx)
}

// GetEvents returns a workflow's event trace in append order.
func (e *Engine) GetEvents(ctx context.Context, workflowID string, f store.EventFilter) ([]*store.Event, error) {
	return e.st.GetEvents(ctx, workflowID, f)
}

// Stats aggregates engine health for dashboards.
type Stats struct {
	Workflows    map[store.Status]int    `json:"workflows"`
	LiveActors   int                     `json:"live_actors"`
	DLQ          map[store.DLQStatus]int `json:"dlq"`
	BusDropped   int64                   `json:"bus_dropped"`
	AlertsMuted  int64                   `json:"alerts_suppressed"`
	BreakerCount int                     `json:"breakers"`
}

// Stats returns current engine-wide counts.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	workflows, err := e.st.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	dlqCounts, err := e.dlq.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		for status, n := range dlqCounts {
			e.metrics.ObserveDLQDepth(string(status), n)
		}
	}
	return &Stats{
		Workflows:    workflows,
		LiveActors:   e.reg.Count(),
		DLQ:          dlqCounts,
		BusDropped:   e.bus.Dropped(),
		AlertsMuted:  e.alerts.Suppressed(),
		BreakerCount: len(e.breakers.StatusAll()),
	}, nil
}

// Shutdown stops the supervisor tree, background schedulers, breakers,
// and the bus. The store stays open for the caller to close.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.sup.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.dlq.Stop()
	e.breakers.Stop()
	e.bus.Close()
	return nil
}

func (e *Engine) actorDeps() *deps {
	return &deps{
		store:    e.st,
		idem:     e.idem,
		breakers: e.breakers,
		comp:     e.comp,
		bus:      e.bus,
		dlq:      e.dlq,
		metrics:  e.metrics,
		log:      e.log.Named("actor"),
		defaults: e.defaults,
	}
}

// retryDLQEntry is the type-specific recovery action the DLQ scheduler
// invokes for due entries.
func (e *Engine) retryDLQEntry(ctx context.Context, entry *store.DLQEntry) error {
	switch entry.Type {
	case store.DLQWorkflowFailed:
		return e.retryFailedWorkflow(ctx, entry)
	case store.DLQCompensationFailed:
		return e.retryFailedCompensation(ctx, entry)
	default:
		return fmt.Errorf("entry %s: type %s has no retry action", entry.EntryID, entry.Type)
	}
}

// retryFailedWorkflow restarts a dead-lettered workflow under a derived
// id and reports success only when the new run completes.
func (e *Engine) retryFailedWorkflow(ctx context.Context, entry *store.DLQEntry) error {
	retryID := fmt.Sprintf("%s_retry_%d", entry.WorkflowID, entry.RetryCount)
	params := entry.OriginalParams
	if params == nil {
		// Fall back to the sanitized context, stringified.
		params = make(map[string]any, len(entry.Context))
		for k, v := range entry.Context {
			params[k] = fmt.Sprintf("%v", v)
		}
	}

	a, err := e.StartWorkflow(entry.DefinitionKey, retryID, params)
	if err != nil {
		return fmt.Errorf("restart as %s: %w", retryID, err)
	}
	select {
	case <-a.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	wf, err := e.st.GetWorkflow(ctx, retryID)
	if err != nil {
		return fmt.Errorf("inspect retried workflow %s: %w", retryID, err)
	}
	if wf.Status != store.StatusCompleted {
		return fmt.Errorf("retried workflow %s ended %s", retryID, wf.Status)
	}
	return nil
}

// retryFailedCompensation re-invokes the failed step's compensate with
// the dead-lettered context.
func (e *Engine) retryFailedCompensation(ctx context.Context, entry *store.DLQEntry) error {
	def, err := e.defs.Resolve(entry.DefinitionKey)
	if err != nil {
		return err
	}
	g, err := buildGraph(def)
	if err != nil {
		return err
	}
	st := findStep(g, entry.FailedStep)
	if st == nil {
		return fmt.Errorf("step %s not found in definition %s", entry.FailedStep, entry.DefinitionKey)
	}
	comp, ok := st.(step.Compensator)
	if !ok {
		return fmt.Errorf("step %s has no compensation", entry.FailedStep)
	}
	cctx, cancel := context.WithTimeout(ctx, saga.DefaultCompensationTimeout)
	defer cancel()
	return comp.Compensate(cctx, entry.Context)
}

func findStep(g *graph.Graph, name string) step.Step {
	for _, id := range g.Nodes() {
		node := g.Node(id)
		if node.Kind != graph.KindStep || node.Step == nil {
			continue
		}
		if node.Step.Name() != name {
			continue
		}
		if st, ok := node.Step.(step.Step); ok {
			return st
		}
	}
	return nil
}

// WaitTerminal blocks until the workflow's actor exits or ctx expires.
// Test and DLQ plumbing use it; external callers poll GetState.
func (e *Engine) WaitTerminal(ctx context.Context, workflowID string) error {
	a, ok := e.reg.Lookup(workflowID)
	if !ok {
		return nil
	}
	select {
	case <-a.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
