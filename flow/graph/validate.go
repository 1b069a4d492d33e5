package graph

import (
	"fmt"
	"strings"
)

// Severity ranks validation issues. Any issue with SeverityError makes
// the graph invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue codes reported by Validate.
const (
	CodeEmptyGraph           = "empty_graph"
	CodeNoStartNode          = "no_start_node"
	CodeStartNodeNotFound    = "start_node_not_found"
	CodeNoEndNodes           = "no_end_nodes"
	CodeUnreachableNodes     = "unreachable_nodes"
	CodeOrphanEdges          = "orphan_edges"
	CodeBranchWithoutDefault = "branch_without_default"
	CodeBranchMissingDefault = "branch_missing_default"
	CodeComplexBranch        = "complex_branch"
)

// Issue is one static-validation finding.
type Issue struct {
	Severity Severity
	Code     string
	NodeID   string
	Message  string
}

func (i Issue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", i.Severity, i.Code, i.NodeID, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Code, i.Message)
}

// ValidateOptions tunes the validator. The zero value uses the default
// complex-branch threshold of 5 arms.
type ValidateOptions struct {
	// ComplexBranchThreshold is the arm count above which a defaulted
	// branch is flagged complex_branch. 0 means the default of 5.
	ComplexBranchThreshold int
}

// branchDefaultLimit is the arm count at which a missing default edge
// escalates from warning to error.
const branchDefaultLimit = 5

// Validate statically checks a graph and returns every finding. The
// graph is invalid if any issue carries SeverityError.
func Validate(g *Graph, opts ValidateOptions) []Issue {
	threshold := opts.ComplexBranchThreshold
	if threshold <= 0 {
		threshold = branchDefaultLimit
	}

	var issues []Issue

	if len(g.order) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityInfo,
			Code:     CodeEmptyGraph,
			Message:  "graph has no nodes",
		})
		return issues
	}

	if g.start == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     CodeNoStartNode,
			Message:  "no start node declared",
		})
	} else if g.nodes[g.start] == nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     CodeStartNodeNotFound,
			NodeID:   g.start,
			Message:  fmt.Sprintf("start node %q does not exist", g.start),
		})
	}

	// Implicit terminals: nodes with no outgoing edges can end a run
	// even without a declared end node.
	if len(g.ends) == 0 {
		implicit := false
		for _, id := range g.order {
			if len(g.edges[id]) == 0 {
				implicit = true
				break
			}
		}
		if !implicit {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeNoEndNodes,
				Message:  "no end nodes declared and no node is terminal",
			})
		}
	}

	// Orphan edges target nodes that don't exist.
	var orphans []string
	for _, id := range g.order {
		for _, e := range g.edges[id] {
			if g.nodes[e.To] == nil {
				orphans = append(orphans, fmt.Sprintf("%s->%s", e.From, e.To))
			}
		}
	}
	if len(orphans) > 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     CodeOrphanEdges,
			Message:  "edges target absent nodes: " + strings.Join(orphans, ", "),
		})
	}

	// Reachability from the start node.
	if g.start != "" && g.nodes[g.start] != nil {
		reached := make(map[string]bool)
		queue := []string{g.start}
		reached[g.start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, e := range g.edges[id] {
				if g.nodes[e.To] != nil && !reached[e.To] {
					reached[e.To] = true
					queue = append(queue, e.To)
				}
			}
		}
		var unreachable []string
		for _, id := range g.order {
			if !reached[id] {
				unreachable = append(unreachable, id)
			}
		}
		if len(unreachable) > 0 {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeUnreachableNodes,
				Message:  "unreachable nodes: " + strings.Join(unreachable, ", "),
			})
		}
	}

	// Branch arm checks.
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Kind != KindBranch {
			continue
		}
		arms := g.edges[id]
		hasDefault := false
		for _, e := range arms {
			if e.Tag == DefaultTag {
				hasDefault = true
				break
			}
		}
		switch {
		case !hasDefault && len(arms) >= branchDefaultLimit:
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     CodeBranchMissingDefault,
				NodeID:   id,
				Message:  fmt.Sprintf("branch has %d arms and no default edge", len(arms)),
			})
		case !hasDefault:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeBranchWithoutDefault,
				NodeID:   id,
				Message:  fmt.Sprintf("branch has %d arms and no default edge", len(arms)),
			})
		case len(arms) > threshold:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeComplexBranch,
				NodeID:   id,
				Message:  fmt.Sprintf("branch has %d arms (threshold %d)", len(arms), threshold),
			})
		}
	}

	return issues
}

// IsValid reports whether an issue list contains no errors.
func IsValid(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return false
		}
	}
	return true
}

// ValidateStrict validates and returns an error describing every
// error-severity issue, or nil if the graph is valid.
func ValidateStrict(g *Graph) error {
	issues := Validate(g, ValidateOptions{})
	var errs []string
	for _, i := range issues {
		if i.Severity == SeverityError {
			errs = append(errs, i.String())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid graph: %s", strings.Join(errs, "; "))
	}
	return nil
}
