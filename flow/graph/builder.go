package graph

import "fmt"

// Builder assembles a Graph from step, branch, and join nodes and typed
// edges. Errors are collected and reported once by Build, so call sites
// can chain additions without per-call checks:
//
//	g, err := graph.NewBuilder().
//	    AddStep(validate).
//	    AddBranch("route", routeOn("risk")).
//	    AddStep(manualReview).
//	    AddStep(autoApprove).
//	    AddJoin("merge").
//	    Connect("validate", "route").
//	    ConnectTag("route", "manual_review", "high").
//	    ConnectTag("route", "auto_approve", "default").
//	    Connect("manual_review", "merge").
//	    Connect("auto_approve", "merge").
//	    StartAt("validate").
//	    EndAt("merge").
//	    Build()
type Builder struct {
	nodes map[string]*Node
	order []string
	edges map[string][]Edge
	start string
	ends  []string
	errs  []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
}

func (b *Builder) addNode(n *Node) {
	if n.ID == "" {
		b.errs = append(b.errs, fmt.Errorf("node with empty id"))
		return
	}
	if _, exists := b.nodes[n.ID]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", n.ID))
		return
	}
	b.nodes[n.ID] = n
	b.order = append(b.order, n.ID)
}

// AddStep adds a step node whose id is the step's name.
func (b *Builder) AddStep(step Step) *Builder {
	if step == nil {
		b.errs = append(b.errs, fmt.Errorf("nil step"))
		return b
	}
	return b.AddStepID(step.Name(), step)
}

// AddStepID adds a step node under an explicit id, allowing the same
// step module to appear at multiple positions.
func (b *Builder) AddStepID(id string, step Step) *Builder {
	b.addNode(&Node{ID: id, Kind: KindStep, Step: step})
	return b
}

// AddBranch adds a branch node with the given predicate.
func (b *Builder) AddBranch(id string, pred Predicate) *Builder {
	b.addNode(&Node{ID: id, Kind: KindBranch, Predicate: pred})
	return b
}

// AddJoin adds a structural join node.
func (b *Builder) AddJoin(id string) *Builder {
	b.addNode(&Node{ID: id, Kind: KindJoin})
	return b
}

// Connect adds a plain edge from a step or join node.
func (b *Builder) Connect(from, to string) *Builder {
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to})
	return b
}

// ConnectTag adds a tagged edge from a branch node. Use tag "default"
// for the fallback arm.
func (b *Builder) ConnectTag(from, to, tag string) *Builder {
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to, Tag: tag})
	return b
}

// StartAt declares the entry node.
func (b *Builder) StartAt(id string) *Builder {
	b.start = id
	return b
}

// EndAt declares terminal nodes. May be called repeatedly; ids
// accumulate.
func (b *Builder) EndAt(ids ...string) *Builder {
	b.ends = append(b.ends, ids...)
	return b
}

// Build finalizes the graph. It fails on construction errors (duplicate
// ids, nil steps) and on structural errors the static validator flags
// with severity error. Warnings do not fail Build; run Validate for the
// full issue list.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("graph construction: %w", b.errs[0])
	}
	g := &Graph{
		nodes: b.nodes,
		order: b.order,
		edges: b.edges,
		start: b.start,
		ends:  b.ends,
	}
	if err := ValidateStrict(g); err != nil {
		return nil, err
	}
	return g, nil
}
