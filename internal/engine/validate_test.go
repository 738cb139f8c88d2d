package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/shaiso/crmflow/internal/domain"
)

// isTestTrigger считает триггерами типы с суффиксом _trigger.
func isTestTrigger(t string) bool {
	return strings.HasSuffix(t, "_trigger")
}

func node(id, typ string) domain.Node {
	return domain.Node{ID: id, Type: typ}
}

func edge(src, dst string) domain.Edge {
	return domain.Edge{Source: src, Target: dst}
}

func TestValidate_Valid(t *testing.T) {
	g := domain.Graph{
		Nodes: []domain.Node{node("T1", "manual_trigger"), node("N1", "transform"), node("N2", "output")},
		Edges: []domain.Edge{edge("T1", "N1"), edge("N1", "N2")},
	}

	res := Validate(g, isTestTrigger, ValidateOptions{RequireTrigger: true})
	if !res.Valid {
		t.Fatalf("expected valid graph, got errors: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no errors, got %v", res.Errors)
	}
	if res.Err() != nil {
		t.Errorf("expected nil Err, got %v", res.Err())
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		graph   domain.Graph
		opts    ValidateOptions
		wantErr error
	}{
		{
			name: "duplicate node id",
			graph: domain.Graph{
				Nodes: []domain.Node{node("A", "transform"), node("A", "output")},
			},
			wantErr: ErrDuplicateNodeID,
		},
		{
			name:    "empty node id",
			graph:   domain.Graph{Nodes: []domain.Node{node("", "transform")}},
			wantErr: ErrEmptyNodeID,
		},
		{
			name:    "empty node type",
			graph:   domain.Graph{Nodes: []domain.Node{node("A", "")}},
			wantErr: ErrEmptyNodeType,
		},
		{
			name: "unknown edge target",
			graph: domain.Graph{
				Nodes: []domain.Node{node("A", "transform")},
				Edges: []domain.Edge{edge("A", "ghost")},
			},
			wantErr: ErrUnknownNode,
		},
		{
			name: "unknown edge source",
			graph: domain.Graph{
				Nodes: []domain.Node{node("A", "transform")},
				Edges: []domain.Edge{edge("ghost", "A")},
			},
			wantErr: ErrUnknownNode,
		},
		{
			name: "cycle",
			graph: domain.Graph{
				Nodes: []domain.Node{node("A", "transform"), node("B", "transform"), node("C", "transform")},
				Edges: []domain.Edge{edge("A", "B"), edge("B", "C"), edge("C", "A")},
			},
			wantErr: ErrCyclicDependency,
		},
		{
			name: "self loop",
			graph: domain.Graph{
				Nodes: []domain.Node{node("A", "transform")},
				Edges: []domain.Edge{edge("A", "A")},
			},
			wantErr: ErrCyclicDependency,
		},
		{
			name: "no trigger when publishing",
			graph: domain.Graph{
				Nodes: []domain.Node{node("A", "transform")},
			},
			opts:    ValidateOptions{RequireTrigger: true},
			wantErr: ErrNoTrigger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.graph, isTestTrigger, tt.opts)
			if res.Valid {
				t.Fatal("expected invalid graph")
			}
			if !errors.Is(res.Err(), tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, res.Err())
			}
			if len(res.Errors) != len(res.Issues) {
				t.Errorf("errors and issues out of sync: %d vs %d", len(res.Errors), len(res.Issues))
			}
		})
	}
}

func TestValidate_NoTriggerAllowedForDrafts(t *testing.T) {
	g := domain.Graph{Nodes: []domain.Node{node("A", "transform")}}

	if res := Validate(g, isTestTrigger, ValidateOptions{}); !res.Valid {
		t.Errorf("draft graph without trigger should be valid, got %v", res.Errors)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	g := domain.Graph{
		Nodes: []domain.Node{node("A", "transform"), node("A", "transform"), node("B", "")},
		Edges: []domain.Edge{edge("A", "missing")},
	}

	res := Validate(g, isTestTrigger, ValidateOptions{RequireTrigger: true})
	// duplicate, empty type, unknown target, no trigger
	if len(res.Errors) != 4 {
		t.Errorf("expected 4 errors, got %d: %v", len(res.Errors), res.Errors)
	}
}

func TestValidate_CycleMessageNamesPath(t *testing.T) {
	g := domain.Graph{
		Nodes: []domain.Node{node("T", "manual_trigger"), node("A", "transform"), node("B", "transform")},
		Edges: []domain.Edge{edge("T", "A"), edge("A", "B"), edge("B", "A")},
	}

	res := Validate(g, isTestTrigger, ValidateOptions{})
	if res.Valid {
		t.Fatal("expected cycle to be rejected")
	}
	if !strings.Contains(res.Errors[0], "A -> B -> A") {
		t.Errorf("expected cycle path in message, got %q", res.Errors[0])
	}
}

func TestParseGraph(t *testing.T) {
	data := []byte(`{
		"nodes": [
			{"id": "T1", "type": "manual_trigger", "data": {"label": "Start"}},
			{"id": "N1", "type": "transform", "data": {"config": {"mappings": {"x": "{{ trigger.x }}"}}}}
		],
		"edges": [{"id": "e1", "source": "T1", "target": "N1"}]
	}`)

	g, err := ParseGraph(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("expected 2 nodes and 1 edge, got %d and %d", len(g.Nodes), len(g.Edges))
	}
	if g.Nodes[0].Label() != "Start" {
		t.Errorf("expected label Start, got %q", g.Nodes[0].Label())
	}
	if g.Nodes[1].Label() != "N1" {
		t.Errorf("expected label fallback to ID, got %q", g.Nodes[1].Label())
	}

	if _, err := ParseGraph([]byte(`{"nodes": 1}`)); err == nil {
		t.Error("expected error for malformed graph")
	}

	empty, err := ParseGraph([]byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty.Nodes == nil || empty.Edges == nil {
		t.Error("expected empty slices, got nil")
	}
}
