// Package flow is the engine root: workflow actors, the supervisor and
// registry that own them, the definition contract callers implement,
// and the Engine facade external surfaces consume.
//
// A workflow definition maps a key to a graph of steps plus state
// callbacks. Starting a workflow spawns one actor goroutine that walks
// the graph one step at a time, persisting every state change and
// broadcasting it on the event bus. Failures route through the retry
// engine, saga compensation, and ultimately the dead-letter queue.
package flow

import (
	"sync"

	"github.com/dshills/sagaflow/flow/graph"
	"github.com/dshills/sagaflow/flow/retry"
	"github.com/dshills/sagaflow/flow/saga"
	"github.com/dshills/sagaflow/flow/step"
)

// Definition is the contract a workflow type implements. Exactly one of
// the topology interfaces (GraphDefinition or StepsDefinition) must
// also be implemented.
type Definition interface {
	// InitialState derives the workflow's starting state from the
	// caller-supplied params.
	InitialState(params map[string]any) map[string]any
	// HandleStepSuccess folds a successful step's output into the state
	// the next step will see.
	HandleStepSuccess(stepName string, state map[string]any) map[string]any
	// HandleStepFailure observes a terminal step failure and may amend
	// the state persisted with the failed workflow.
	HandleStepFailure(stepName string, reason error, state map[string]any) map[string]any
}

// GraphDefinition supplies an explicit topology with branches and
// joins.
type GraphDefinition interface {
	Definition
	Graph() (*graph.Graph, error)
}

// StepsDefinition supplies an ordered step list, adapted into a linear
// graph.
type StepsDefinition interface {
	Definition
	Steps() []step.Step
}

// PolicyProvider optionally assigns a retry policy per step. Steps
// without one run under the "conservative" named policy.
type PolicyProvider interface {
	RetryPolicy(stepName string) retry.Policy
}

// Compensating marks a definition whose step failures unwind previously
// executed steps in reverse order before the workflow finalizes as
// failed.
type Compensating interface {
	CompensateOnFailure() bool
}

// SagaOptionsProvider optionally supplies per-step compensation options
// (timeout, retry, critical) for Compensating definitions.
type SagaOptionsProvider interface {
	SagaOptions(stepName string) saga.Options
}

// Definitions is the registration table mapping definition keys to
// implementations.
type Definitions struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewDefinitions creates an empty table.
func NewDefinitions() *Definitions {
	return &Definitions{defs: make(map[string]Definition)}
}

// Register binds key to def, replacing any previous binding.
func (d *Definitions) Register(key string, def Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defs[key] = def
}

// Resolve returns the definition for key or ErrUnknownDefinition.
func (d *Definitions) Resolve(key string) (Definition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[key]
	if !ok {
		return nil, ErrUnknownDefinition
	}
	return def, nil
}

// Keys lists registered definition keys.
func (d *Definitions) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.defs))
	for k := range d.defs {
		out = append(out, k)
	}
	return out
}

// buildGraph materializes a definition's topology.
func buildGraph(def Definition) (*graph.Graph, error) {
	switch d := def.(type) {
	case GraphDefinition:
		return d.Graph()
	case StepsDefinition:
		steps := d.Steps()
		gs := make([]graph.Step, len(steps))
		for i, s := range steps {
			gs[i] = s
		}
		return graph.FromSteps(gs)
	default:
		return nil, ErrNoTopology
	}
}
