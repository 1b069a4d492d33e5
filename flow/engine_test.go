package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/sagaflow/flow/bus"
	"github.com/dshills/sagaflow/flow/graph"
	"github.com/dshills/sagaflow/flow/idempotency"
	"github.com/dshills/sagaflow/flow/retry"
	"github.com/dshills/sagaflow/flow/step"
	"github.com/dshills/sagaflow/flow/store"
)

// tStep is a scriptable step: it can fail a number of leading attempts,
// block on a gate, and log compensations.
type tStep struct {
	name     string
	tag      string
	failures int // attempts that fail before success; -1 fails forever

	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}

	execs int

	compMu  *sync.Mutex
	compLog *[]string
}

func (s *tStep) Name() string { return s.name }

func (s *tStep) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	if s.release != nil {
		<-s.release
	}
	s.execs++
	if s.failures < 0 || s.execs <= s.failures {
		return nil, step.NewError(s.tag, "induced failure")
	}
	return map[string]any{s.name + "_done": true}, nil
}

func (s *tStep) Compensate(_ context.Context, _ map[string]any) error {
	if s.compLog != nil {
		s.compMu.Lock()
		*s.compLog = append(*s.compLog, s.name)
		s.compMu.Unlock()
	}
	return nil
}

// testDef is a StepsDefinition with pass-through state callbacks and a
// single retry policy for every step.
type testDef struct {
	steps      []step.Step
	compensate bool
	policy     retry.Policy
}

func newDef(steps ...step.Step) *testDef {
	return &testDef{steps: steps, policy: retry.MustNamed("none")}
}

func (d *testDef) InitialState(params map[string]any) map[string]any {
	state := make(map[string]any, len(params))
	for k, v := range params {
		state[k] = v
	}
	return state
}

func (d *testDef) HandleStepSuccess(_ string, state map[string]any) map[string]any { return state }

func (d *testDef) HandleStepFailure(_ string, _ error, state map[string]any) map[string]any {
	return state
}

func (d *testDef) Steps() []step.Step { return d.steps }

func (d *testDef) CompensateOnFailure() bool { return d.compensate }

func (d *testDef) RetryPolicy(string) retry.Policy { return d.policy }

// branchDef routes through a branch whose predicate matches no arm.
type branchDef struct{ testDef }

func (d *branchDef) Graph() (*graph.Graph, error) {
	return graph.NewBuilder().
		AddStep(&tStep{name: "prepare"}).
		AddBranch("route", func(map[string]any) string { return "missing" }).
		AddStep(&tStep{name: "fast"}).
		AddStep(&tStep{name: "slow"}).
		Connect("prepare", "route").
		ConnectTag("route", "fast", "x").
		ConnectTag("route", "slow", "y").
		StartAt("prepare").
		EndAt("fast", "slow").
		Build()
}

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	e := NewEngine(st)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
		_ = st.Close()
	})
	return e, st
}

func waitDone(t *testing.T, e *Engine, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.WaitTerminal(ctx, id); err != nil {
		t.Fatalf("workflow %s did not finish: %v", id, err)
	}
}

func eventCounts(t *testing.T, e *Engine, id string) map[store.EventType]int {
	t.Helper()
	events, err := e.GetEvents(context.Background(), id, store.EventFilter{})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	counts := make(map[store.EventType]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	return counts
}

func TestWorkflowHappyPath(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)

	steps := []step.Step{
		&tStep{name: "validate_order"},
		&tStep{name: "charge_card"},
		&tStep{name: "send_confirmation"},
	}
	e.RegisterDefinition("order", newDef(steps...))

	if _, err := e.StartWorkflow("order", "wf-s1", map[string]any{"order_id": "o-1"}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-s1")

	snap, err := e.GetState(ctx, "wf-s1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if snap.CurrentStepIndex != 3 || snap.TotalSteps != 3 {
		t.Fatalf("progress = %d/%d, want 3/3", snap.CurrentStepIndex, snap.TotalSteps)
	}
	if snap.StatePayload["order_id"] != "o-1" {
		t.Fatalf("initial params missing from state: %v", snap.StatePayload)
	}
	if snap.StatePayload["charge_card_done"] != true {
		t.Fatalf("step output missing from state: %v", snap.StatePayload)
	}
	for _, reserved := range []string{step.KeyIdempotencyKey, step.KeyRetryAttempt, step.KeyMaxAttempts} {
		if _, leaked := snap.StatePayload[reserved]; leaked {
			t.Fatalf("reserved key %q leaked into persisted state", reserved)
		}
	}

	counts := eventCounts(t, e, "wf-s1")
	want := map[store.EventType]int{
		store.EventWorkflowStarted:   1,
		store.EventStepStarted:       3,
		store.EventStepCompleted:     3,
		store.EventWorkflowCompleted: 1,
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, counts[typ], n)
		}
	}
	if counts[store.EventStepFailed] != 0 || counts[store.EventStepSkipped] != 0 {
		t.Errorf("unexpected failure/skip events: %v", counts)
	}

	// One completed idempotency record per step.
	for _, s := range steps {
		rec, err := st.GetIdempotency(ctx, idempotency.Key("wf-s1", s.Name(), 1))
		if err != nil {
			t.Fatalf("idempotency %s: %v", s.Name(), err)
		}
		if rec.Status != store.IdempotencyCompleted {
			t.Errorf("idempotency %s = %s, want completed", s.Name(), rec.Status)
		}
	}
}

func TestWorkflowTransientRetry(t *testing.T) {
	e, _ := newTestEngine(t)

	flaky := &tStep{name: "charge", tag: "timeout", failures: 2}
	def := newDef(flaky)
	def.policy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	e.RegisterDefinition("order", def)

	if _, err := e.StartWorkflow("order", "wf-s2", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-s2")

	snap, err := e.GetState(context.Background(), "wf-s2")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Status != store.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", snap.Status, snap.Error)
	}
	if flaky.execs != 3 {
		t.Fatalf("executions = %d, want 3", flaky.execs)
	}

	counts := eventCounts(t, e, "wf-s2")
	if counts[store.EventStepFailed] != 2 {
		t.Errorf("step_failed events = %d, want 2 (one per retried attempt)", counts[store.EventStepFailed])
	}
	if counts[store.EventStepCompleted] != 1 {
		t.Errorf("step_completed events = %d, want 1", counts[store.EventStepCompleted])
	}
}

func TestDuplicateStart(t *testing.T) {
	e, _ := newTestEngine(t)

	release := make(chan struct{})
	started := make(chan struct{})
	e.RegisterDefinition("order", newDef(&tStep{name: "hold", started: started, release: release}))

	first, err := e.StartWorkflow("order", "wf-dup", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	<-started

	second, err := e.StartWorkflow("order", "wf-dup", nil)
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start err = %v, want ErrAlreadyStarted", err)
	}
	if second != first {
		t.Fatal("duplicate start must return the existing handle")
	}

	close(release)
	waitDone(t, e, "wf-dup")
}

func TestWorkflowPermanentFailure(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	e.RegisterDefinition("kyc", newDef(
		&tStep{name: "lookup"},
		&tStep{name: "verify_identity", tag: "missing_dni", failures: -1},
	))

	params := map[string]any{"customer": "c-7"}
	if _, err := e.StartWorkflow("kyc", "wf-s3", params); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-s3")

	snap, err := e.GetState(ctx, "wf-s3")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if snap.Error == "" {
		t.Fatal("failed workflow must record its error")
	}

	counts := eventCounts(t, e, "wf-s3")
	if counts[store.EventStepFailed] != 1 {
		t.Errorf("step_failed events = %d, want 1 (permanent errors do not retry)", counts[store.EventStepFailed])
	}
	if counts[store.EventWorkflowFailed] != 1 {
		t.Errorf("workflow_failed events = %d, want 1", counts[store.EventWorkflowFailed])
	}

	entries, err := e.DLQ().List(ctx, store.DLQFilter{WorkflowID: "wf-s3"})
	if err != nil {
		t.Fatalf("DLQ list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Type != store.DLQWorkflowFailed {
		t.Errorf("dlq type = %s, want workflow_failed", entry.Type)
	}
	if entry.FailedStep != "verify_identity" {
		t.Errorf("dlq failed_step = %s", entry.FailedStep)
	}
	if entry.OriginalParams["customer"] != "c-7" {
		t.Errorf("dlq must keep original params for restart: %v", entry.OriginalParams)
	}
}

func TestWorkflowCompensatesOnFailure(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	var mu sync.Mutex
	var compLog []string
	mk := func(name string, failures int, tag string) *tStep {
		return &tStep{name: name, failures: failures, tag: tag, compMu: &mu, compLog: &compLog}
	}
	def := newDef(
		mk("reserve_stock", 0, ""),
		mk("charge_card", 0, ""),
		mk("ship_order", -1, "carrier_rejected"),
	)
	def.compensate = true
	e.RegisterDefinition("order", def)

	if _, err := e.StartWorkflow("order", "wf-s4", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-s4")

	snap, _ := e.GetState(ctx, "wf-s4")
	if snap.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(compLog) != 2 || compLog[0] != "charge_card" || compLog[1] != "reserve_stock" {
		t.Fatalf("compensation order = %v, want [charge_card reserve_stock]", compLog)
	}

	// Successful compensations leave only the workflow_failed entry.
	entries, err := e.DLQ().List(ctx, store.DLQFilter{WorkflowID: "wf-s4"})
	if err != nil {
		t.Fatalf("DLQ list: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != store.DLQWorkflowFailed {
		t.Fatalf("dlq entries = %+v, want a single workflow_failed entry", entries)
	}
}

func TestWorkflowNoMatchingBranch(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	e.RegisterDefinition("routed", &branchDef{testDef{policy: retry.MustNamed("none")}})

	if _, err := e.StartWorkflow("routed", "wf-branch", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-branch")

	snap, err := e.GetState(ctx, "wf-branch")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}

	events, err := e.GetEvents(ctx, "wf-branch", store.EventFilter{Type: store.EventWorkflowFailed})
	if err != nil || len(events) != 1 {
		t.Fatalf("workflow_failed events = %d (%v), want 1", len(events), err)
	}
	if tag := events[0].Data["tag"]; tag != "no_matching_branch" {
		t.Fatalf("failure tag = %v, want no_matching_branch", tag)
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t)

	one := &tStep{name: "step_one"}
	two := &tStep{name: "step_two"}
	three := &tStep{name: "step_three"}
	e.RegisterDefinition("order", newDef(one, two, three))

	// A prior incarnation persisted the record and completed step_one
	// before crashing.
	now := store.Now()
	if err := st.SaveWorkflow(ctx, &store.Workflow{
		ID:            "wf-resume",
		DefinitionKey: "order",
		Status:        store.StatusRunning,
		State:         map[string]any{"order_id": "o-2"},
		TotalSteps:    3,
		StartedAt:     now,
		InsertedAt:    now,
		UpdatedAt:     now,
	}); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	idem := idempotency.New(st)
	key := idempotency.Key("wf-resume", "step_one", 1)
	if _, _, err := idem.Begin(ctx, key); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := idem.Complete(ctx, key, map[string]any{"step_one_done": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := e.StartWorkflow("order", "wf-resume", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-resume")

	if one.execs != 0 {
		t.Fatalf("step_one re-executed %d times after resume", one.execs)
	}
	if two.execs != 1 || three.execs != 1 {
		t.Fatalf("remaining steps executed %d/%d times, want 1/1", two.execs, three.execs)
	}

	snap, _ := e.GetState(ctx, "wf-resume")
	if snap.Status != store.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", snap.Status, snap.Error)
	}
	if snap.StatePayload["step_one_done"] != true {
		t.Fatalf("cached result missing from resumed state: %v", snap.StatePayload)
	}

	counts := eventCounts(t, e, "wf-resume")
	if counts[store.EventStepSkipped] != 1 {
		t.Errorf("step_skipped events = %d, want 1", counts[store.EventStepSkipped])
	}
	if counts[store.EventWorkflowStarted] != 0 {
		t.Errorf("resume must not emit a second workflow_started, got %d", counts[store.EventWorkflowStarted])
	}
}

func TestStopWorkflow(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	release := make(chan struct{})
	started := make(chan struct{})
	e.RegisterDefinition("order", newDef(
		&tStep{name: "hold", started: started, release: release},
		&tStep{name: "never"},
	))

	if _, err := e.StartWorkflow("order", "wf-stop", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	<-started

	stopErr := make(chan error, 1)
	go func() { stopErr <- e.StopWorkflow("wf-stop") }()
	time.Sleep(50 * time.Millisecond) // let the stop request land
	close(release)

	if err := <-stopErr; err != nil {
		t.Fatalf("StopWorkflow: %v", err)
	}

	snap, err := e.GetState(ctx, "wf-stop")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Status != store.StatusRunning {
		t.Fatalf("status = %s, want running (stopped mid-flight)", snap.Status)
	}
	if snap.CurrentStepIndex != 1 {
		t.Fatalf("step index = %d, want 1 (in-flight step committed)", snap.CurrentStepIndex)
	}
	if counts := eventCounts(t, e, "wf-stop"); counts[store.EventWorkflowCompleted] != 0 {
		t.Fatal("stopped workflow must not complete")
	}

	if err := e.StopWorkflow("wf-ghost"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("stop unknown err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestGetState(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	e.RegisterDefinition("order", newDef(&tStep{name: "only"}))

	if _, err := e.GetState(ctx, "wf-missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}

	if _, err := e.StartWorkflow("order", "wf-state", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-state")

	// Actor exited; the snapshot comes from the store.
	snap, err := e.GetState(ctx, "wf-state")
	if err != nil {
		t.Fatalf("GetState after exit: %v", err)
	}
	if snap.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
}

func TestUnknownDefinition(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.StartWorkflow("nope", "wf-x", nil); !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("err = %v, want ErrUnknownDefinition", err)
	}
}

func TestBusBroadcast(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterDefinition("order", newDef(&tStep{name: "only"}))

	sub := e.Bus().Subscribe(bus.WorkflowTopic("wf-bus"), 16)
	defer sub.Close()

	if _, err := e.StartWorkflow("order", "wf-bus", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-bus")

	var statuses []string
	for {
		select {
		case msg := <-sub.C:
			payload, ok := msg.Payload.(map[string]any)
			if !ok {
				t.Fatalf("payload type %T", msg.Payload)
			}
			statuses = append(statuses, payload["status"].(string))
			if payload["status"] == "completed" {
				if statuses[0] != "pending" {
					t.Fatalf("first broadcast = %s, want pending", statuses[0])
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("no completed broadcast, saw %v", statuses)
		}
	}
}

func TestEngineStats(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	e.RegisterDefinition("good", newDef(&tStep{name: "ok"}))
	e.RegisterDefinition("bad", newDef(&tStep{name: "boom", tag: "validation_error", failures: -1}))

	if _, err := e.StartWorkflow("good", "wf-good", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if _, err := e.StartWorkflow("bad", "wf-bad", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitDone(t, e, "wf-good")
	waitDone(t, e, "wf-bad")

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Workflows[store.StatusCompleted] != 1 || stats.Workflows[store.StatusFailed] != 1 {
		t.Errorf("workflow counts = %v", stats.Workflows)
	}
	if stats.LiveActors != 0 {
		t.Errorf("live actors = %d, want 0", stats.LiveActors)
	}
	if stats.DLQ[store.DLQPending] != 1 {
		t.Errorf("dlq pending = %d, want 1", stats.DLQ[store.DLQPending])
	}
}

// flakyStore fails the first GetWorkflow calls to force an abnormal
// actor exit during init.
type flakyStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, errors.New("transient store outage")
	}
	s.mu.Unlock()
	return s.Store.GetWorkflow(ctx, id)
}

func TestSupervisorRestartsAbnormalExit(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemStore(), fails: 1}
	e := NewEngine(st)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(sctx)
	}()

	only := &tStep{name: "only"}
	e.RegisterDefinition("order", newDef(only))

	if _, err := e.StartWorkflow("order", "wf-restart", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// The first incarnation dies on the store outage; the supervisor
	// rebuilds the actor, which then runs to completion.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := e.GetState(ctx, "wf-restart")
		if err == nil && snap.Status == store.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow never completed after restart (last: %+v, %v)", snap, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if only.execs != 1 {
		t.Fatalf("step executed %d times across incarnations, want 1", only.execs)
	}
}

func TestBuildGraphFromSteps(t *testing.T) {
	def := newDef(&tStep{name: "first"}, &tStep{name: "second"})
	g, err := buildGraph(def)
	if err != nil {
		t.Fatalf("buildGraph: %v", err)
	}
	if g.StepCount() != 2 {
		t.Fatalf("steps = %d, want 2", g.StepCount())
	}
	if g.Start() == "" {
		t.Fatal("adapted graph has no start node")
	}
}

func TestStopWorkflowDuringRetryBackoff(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	started := make(chan struct{})
	def := newDef(&tStep{name: "charge", tag: "timeout", failures: -1, started: started})
	def.policy = retry.Policy{MaxAttempts: 5, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second}
	e.RegisterDefinition("order", def)

	if _, err := e.StartWorkflow("order", "wf-backoff", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	<-started
	time.Sleep(100 * time.Millisecond) // first attempt fails, actor enters the 3s backoff

	begin := time.Now()
	if err := e.StopWorkflow("wf-backoff"); err != nil {
		t.Fatalf("StopWorkflow: %v", err)
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("stop took %v, want a prompt return from the backoff sleep", took)
	}

	snap, err := e.GetState(ctx, "wf-backoff")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Status != store.StatusPending {
		t.Fatalf("status = %s, want pending (no step committed)", snap.Status)
	}
	if snap.CurrentStepIndex != 0 {
		t.Fatalf("step index = %d, want 0", snap.CurrentStepIndex)
	}

	counts := eventCounts(t, e, "wf-backoff")
	if counts[store.EventWorkflowFailed] != 0 || counts[store.EventWorkflowCompleted] != 0 {
		t.Fatalf("stop during backoff must not finalize the workflow: %v", counts)
	}
	entries, err := e.DLQ().List(ctx, store.DLQFilter{WorkflowID: "wf-backoff"})
	if err != nil {
		t.Fatalf("DLQ list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("dlq entries = %d, want 0", len(entries))
	}
}

func TestSignalNextAfterActorExit(t *testing.T) {
	a := &Actor{
		mailbox: make(chan actorMsg, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	close(a.done)
	a.mailbox <- actorMsg{kind: msgGetState} // saturate the mailbox
	a.signalNext()                           // takes the goroutine fallback

	// The fallback must give up once the actor is done instead of
	// blocking on the send forever.
	time.Sleep(50 * time.Millisecond)
	<-a.mailbox
	select {
	case m := <-a.mailbox:
		t.Fatalf("signal %v delivered after actor exit", m.kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineShutdown(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	e := NewEngine(st)
	e.RegisterDefinition("order", newDef(&tStep{name: "only"}))

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.StartWorkflow("order", "wf-down", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.WaitTerminal(ctx, "wf-down"); err != nil {
		t.Fatalf("WaitTerminal: %v", err)
	}

	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := e.StartWorkflow("order", "wf-late", nil); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("start after shutdown err = %v, want ErrEngineClosed", err)
	}
}
