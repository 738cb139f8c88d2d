package engine

import (
	"reflect"
	"testing"

	"github.com/shaiso/crmflow/internal/domain"
)

func TestSimulate(t *testing.T) {
	g := domain.Graph{
		Nodes: []domain.Node{
			{ID: "T1", Type: "manual_trigger"},
			{ID: "N1", Type: "transform", Data: domain.NodeData{
				Label:  "Map",
				Config: map[string]any{"mappings": map[string]any{"double": "{{ trigger.x }}"}},
			}},
			{ID: "N2", Type: "output", Data: domain.NodeData{
				Config: map[string]any{"value": "{{ N1.double }}"},
			}},
		},
		Edges: []domain.Edge{edge("T1", "N1"), edge("N1", "N2")},
	}

	sim := Simulate(g, map[string]any{"x": float64(1)}, isTestTrigger)

	if !sim.Validation.Valid {
		t.Fatalf("expected valid, got %v", sim.Validation.Errors)
	}
	if want := []string{"T1", "N1", "N2"}; !reflect.DeepEqual(sim.ExecutionOrder, want) {
		t.Errorf("expected order %v, got %v", want, sim.ExecutionOrder)
	}
	if len(sim.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(sim.Nodes))
	}
	if !sim.Nodes[0].IsTrigger || sim.Nodes[1].IsTrigger {
		t.Error("trigger flag mismatch")
	}

	n1 := sim.Nodes[1]
	if n1.Label != "Map" {
		t.Errorf("expected label Map, got %q", n1.Label)
	}
	mappings := n1.ResolvedConfig["mappings"].(map[string]any)
	if mappings["double"] != float64(1) {
		t.Errorf("expected resolved trigger value, got %v", mappings["double"])
	}
	if len(n1.Unresolved) != 0 {
		t.Errorf("N1 should resolve fully, got %+v", n1.Unresolved)
	}
	if !reflect.DeepEqual(n1.Upstream, []string{"T1"}) {
		t.Errorf("unexpected upstream %v", n1.Upstream)
	}

	// Выходов узлов в dry-run нет, ссылка на N1 не разрешается.
	n2 := sim.Nodes[2]
	if len(n2.Unresolved) != 1 || n2.Unresolved[0].Field != "value" {
		t.Errorf("expected one unresolved field on N2, got %+v", n2.Unresolved)
	}
}

func TestSimulate_InvalidGraph(t *testing.T) {
	g := domain.Graph{
		Nodes: []domain.Node{{ID: "A", Type: "transform"}},
		Edges: []domain.Edge{edge("A", "B")},
	}

	sim := Simulate(g, nil, isTestTrigger)
	if sim.Validation.Valid {
		t.Fatal("expected invalid graph")
	}
	if len(sim.ExecutionOrder) != 0 || len(sim.Nodes) != 0 {
		t.Error("invalid graph must not produce a plan")
	}
}
