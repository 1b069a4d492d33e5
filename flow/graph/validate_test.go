package graph

import (
	"fmt"
	"testing"
)

// branchWithArms builds a branch node fanning to n step arms, optionally
// with a default edge. Build is bypassed so error-severity graphs can be
// inspected.
func branchWithArms(arms int, withDefault bool) *Graph {
	b := NewBuilder().
		AddStep(namedStep("entry")).
		AddBranch("route", func(map[string]any) string { return "t0" }).
		Connect("entry", "route").
		StartAt("entry")
	for i := 0; i < arms; i++ {
		id := fmt.Sprintf("arm_%d", i)
		b.AddStep(namedStep(id))
		tag := fmt.Sprintf("t%d", i)
		if withDefault && i == arms-1 {
			tag = DefaultTag
		}
		b.ConnectTag("route", id, tag)
		b.EndAt(id)
	}
	return &Graph{nodes: b.nodes, order: b.order, edges: b.edges, start: b.start, ends: b.ends}
}

func findIssue(issues []Issue, code string) *Issue {
	for i := range issues {
		if issues[i].Code == code {
			return &issues[i]
		}
	}
	return nil
}

func TestValidateBranchArms(t *testing.T) {
	t.Run("five arms without default is an error", func(t *testing.T) {
		issues := Validate(branchWithArms(5, false), ValidateOptions{})
		issue := findIssue(issues, CodeBranchMissingDefault)
		if issue == nil {
			t.Fatalf("missing %s in %v", CodeBranchMissingDefault, issues)
		}
		if issue.Severity != SeverityError {
			t.Fatalf("severity = %s, want error", issue.Severity)
		}
	})

	t.Run("five arms with default is accepted", func(t *testing.T) {
		issues := Validate(branchWithArms(5, true), ValidateOptions{})
		if !IsValid(issues) {
			t.Fatalf("graph should be valid, issues: %v", issues)
		}
	})

	t.Run("four arms without default is a warning", func(t *testing.T) {
		issues := Validate(branchWithArms(4, false), ValidateOptions{})
		issue := findIssue(issues, CodeBranchWithoutDefault)
		if issue == nil {
			t.Fatalf("missing %s in %v", CodeBranchWithoutDefault, issues)
		}
		if issue.Severity != SeverityWarning {
			t.Fatalf("severity = %s, want warning", issue.Severity)
		}
		if !IsValid(issues) {
			t.Fatal("warnings must not invalidate the graph")
		}
	})

	t.Run("many defaulted arms flag complex_branch", func(t *testing.T) {
		issues := Validate(branchWithArms(7, true), ValidateOptions{})
		if findIssue(issues, CodeComplexBranch) == nil {
			t.Fatalf("missing %s in %v", CodeComplexBranch, issues)
		}
	})
}

func TestValidateStructure(t *testing.T) {
	t.Run("empty graph is info only", func(t *testing.T) {
		issues := Validate(&Graph{}, ValidateOptions{})
		if findIssue(issues, CodeEmptyGraph) == nil {
			t.Fatalf("missing %s in %v", CodeEmptyGraph, issues)
		}
		if !IsValid(issues) {
			t.Fatal("empty graph should not be an error")
		}
	})

	t.Run("unreachable node warns", func(t *testing.T) {
		b := NewBuilder().
			AddStep(namedStep("a")).
			AddStep(namedStep("island")).
			StartAt("a").
			EndAt("a")
		g := &Graph{nodes: b.nodes, order: b.order, edges: b.edges, start: b.start, ends: b.ends}
		if findIssue(Validate(g, ValidateOptions{}), CodeUnreachableNodes) == nil {
			t.Fatal("expected unreachable_nodes warning")
		}
	})

	t.Run("orphan edge warns", func(t *testing.T) {
		b := NewBuilder().
			AddStep(namedStep("a")).
			Connect("a", "ghost").
			StartAt("a")
		g := &Graph{nodes: b.nodes, order: b.order, edges: b.edges, start: b.start, ends: b.ends}
		if findIssue(Validate(g, ValidateOptions{}), CodeOrphanEdges) == nil {
			t.Fatal("expected orphan_edges warning")
		}
	})

	t.Run("validate strict rejects errors", func(t *testing.T) {
		if err := ValidateStrict(branchWithArms(5, false)); err == nil {
			t.Fatal("expected error from ValidateStrict")
		}
		if err := ValidateStrict(branchWithArms(5, true)); err != nil {
			t.Fatalf("ValidateStrict: %v", err)
		}
	})
}
