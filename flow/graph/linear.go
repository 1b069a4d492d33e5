package graph

import (
	"fmt"
)

// FromSteps adapts an ordered list of steps into a linear graph of step
// nodes step_0 ... step_n-1 chained with plain edges. The last node is
// the single end node.
//
// Node ids preserve insertion order internally; they are labels, never
// sort keys, so workflows with ten or more steps order correctly.
func FromSteps(steps []Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("linear adapter: no steps")
	}
	b := NewBuilder()
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("linear adapter: step %d is nil", i)
		}
		b.AddStepID(fmt.Sprintf("step_%d", i), step)
		if i > 0 {
			b.Connect(fmt.Sprintf("step_%d", i-1), fmt.Sprintf("step_%d", i))
		}
	}
	b.StartAt("step_0")
	b.EndAt(fmt.Sprintf("step_%d", len(steps)-1))
	return b.Build()
}

// Linearize is the inverse of FromSteps: it walks the graph from the
// start node following single plain edges and returns the step modules
// in execution order. It fails on branch or join nodes, fan-out, or
// cycles — anything a linear definition could not have produced.
//
// For every steps list, FromSteps then Linearize returns the original
// list.
func Linearize(g *Graph) ([]Step, error) {
	var out []Step
	seen := make(map[string]bool)
	current := g.Start()
	for current != "" {
		if seen[current] {
			return nil, fmt.Errorf("linearize: cycle at node %q", current)
		}
		seen[current] = true

		node := g.Node(current)
		if node == nil {
			return nil, fmt.Errorf("linearize: node %q not in graph", current)
		}
		if node.Kind != KindStep {
			return nil, fmt.Errorf("linearize: node %q is a %s, not a step", current, node.Kind)
		}
		out = append(out, node.Step)

		edges := g.Edges(current)
		switch len(edges) {
		case 0:
			current = ""
		case 1:
			current = edges[0].To
		default:
			return nil, fmt.Errorf("linearize: node %q fans out to %d targets", current, len(edges))
		}
	}
	return out, nil
}
