// Package graph models workflow topology as a directed acyclic graph of
// step, branch, and join nodes with conditional edges, and provides
// next-node resolution plus static validation.
//
// Two construction paths exist:
//   - FromSteps adapts an ordered list of steps into a linear graph
//   - Builder assembles arbitrary step/branch/join topologies
package graph

import (
	"errors"
	"fmt"
)

// DefaultTag is the reserved branch tag taken when a branch predicate's
// result matches no explicit edge.
const DefaultTag = "default"

// ErrNoMatchingBranch is returned by Next when a branch predicate's tag
// matches no edge and the branch has no default edge.
var ErrNoMatchingBranch = errors.New("no matching branch")

// NodeKind discriminates the three node types.
type NodeKind string

const (
	KindStep   NodeKind = "step"
	KindBranch NodeKind = "branch"
	KindJoin   NodeKind = "join"
)

// Step is the payload a step node references. The engine's step modules
// satisfy this; the graph package only needs a stable name.
type Step interface {
	Name() string
}

// Predicate evaluates workflow state and returns a branch tag. Returning
// DefaultTag (or any unmatched tag when a default edge exists) routes to
// the default arm. Predicates must be pure: deterministic, no side
// effects.
type Predicate func(state map[string]any) string

// Node is one vertex in the workflow graph.
//   - step nodes carry a Step payload
//   - branch nodes carry a Predicate
//   - join nodes are structural markers with neither
type Node struct {
	ID        string
	Kind      NodeKind
	Step      Step
	Predicate Predicate
}

// Edge is a directed connection. Tag is empty for plain edges (from step
// or join nodes) and carries the branch tag for edges leaving a branch
// node.
type Edge struct {
	From string
	To   string
	Tag  string
}

// Graph is an immutable workflow topology. Construct via Builder or
// FromSteps; a Graph handed out by Build is never mutated.
type Graph struct {
	nodes map[string]*Node
	order []string // node ids in insertion order
	edges map[string][]Edge
	start string
	ends  []string
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Nodes returns all node ids in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns the outgoing edges of a node in declaration order.
func (g *Graph) Edges(id string) []Edge {
	src := g.edges[id]
	out := make([]Edge, len(src))
	copy(out, src)
	return out
}

// Start returns the entry node id.
func (g *Graph) Start() string { return g.start }

// Ends returns the declared terminal node ids.
func (g *Graph) Ends() []string {
	out := make([]string, len(g.ends))
	copy(out, g.ends)
	return out
}

// IsEnd reports whether id is a declared terminal node.
func (g *Graph) IsEnd(id string) bool {
	for _, end := range g.ends {
		if end == id {
			return true
		}
	}
	return false
}

// StepCount returns the number of step nodes, which is the workflow's
// total_steps for linear graphs and an upper bound otherwise.
func (g *Graph) StepCount() int {
	n := 0
	for _, id := range g.order {
		if g.nodes[id].Kind == KindStep {
			n++
		}
	}
	return n
}

// Next resolves the node(s) following current given the workflow state.
//
//   - step node: its outgoing targets
//   - join node: its outgoing targets
//   - branch node: the target whose edge tag equals the predicate's
//     result, falling back to the default edge; ErrNoMatchingBranch if
//     neither exists
//
// An empty result means current is terminal.
func (g *Graph) Next(current string, state map[string]any) ([]string, error) {
	node := g.nodes[current]
	if node == nil {
		return nil, fmt.Errorf("node %q not in graph", current)
	}
	out := g.edges[current]

	switch node.Kind {
	case KindStep, KindJoin:
		targets := make([]string, 0, len(out))
		for _, e := range out {
			targets = append(targets, e.To)
		}
		return targets, nil

	case KindBranch:
		tag := DefaultTag
		if node.Predicate != nil {
			tag = node.Predicate(state)
		}
		var fallback string
		hasFallback := false
		for _, e := range out {
			if e.Tag == tag {
				return []string{e.To}, nil
			}
			if e.Tag == DefaultTag {
				fallback = e.To
				hasFallback = true
			}
		}
		if hasFallback {
			return []string{fallback}, nil
		}
		return nil, fmt.Errorf("branch %q tag %q: %w", current, tag, ErrNoMatchingBranch)

	default:
		return nil, fmt.Errorf("node %q has unknown kind %q", current, node.Kind)
	}
}
