package engine

import "github.com/shaiso/crmflow/internal/domain"

// SimulatedNode: узел в плане dry-run.
type SimulatedNode struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Label          string         `json:"label"`
	IsTrigger      bool           `json:"is_trigger"`
	Upstream       []string       `json:"upstream"`
	ResolvedConfig map[string]any `json:"resolved_config"`
	Unresolved     []Unresolved   `json:"unresolved,omitempty"`
}

// Simulation: результат dry-run: валидация, порядок и вычисленные config.
type Simulation struct {
	Validation     *ValidationResult `json:"validation"`
	ExecutionOrder []string          `json:"execution_order"`
	Nodes          []SimulatedNode   `json:"nodes"`
}

// Simulate строит план выполнения без вызова обработчиков.
//
// Config каждого узла вычисляется в контексте {trigger: triggerData}:
// выходов узлов ещё нет, поэтому ссылки на них попадают в Unresolved.
// Для невалидного графа возвращается только Validation.
func Simulate(g domain.Graph, triggerData map[string]any, isTrigger TriggerFunc) *Simulation {
	sim := &Simulation{
		Validation:     Validate(g, isTrigger, ValidateOptions{}),
		ExecutionOrder: []string{},
		Nodes:          []SimulatedNode{},
	}
	if !sim.Validation.Valid {
		return sim
	}

	plan := NewPlan(g)
	order, err := plan.FullOrder(isTrigger)
	if err != nil {
		sim.Validation.add(NewValidationError("", "edges", err.Error(), err))
		return sim
	}

	ctx := NewRunContext(triggerData)
	for _, n := range order {
		resolved, missing := ResolveConfigReport(n.Data.Config, ctx)
		upstream := plan.Upstream(n.ID)
		if upstream == nil {
			upstream = []string{}
		}
		sim.ExecutionOrder = append(sim.ExecutionOrder, n.ID)
		sim.Nodes = append(sim.Nodes, SimulatedNode{
			ID:             n.ID,
			Type:           n.Type,
			Label:          n.Label(),
			IsTrigger:      isTrigger != nil && isTrigger(n.Type),
			Upstream:       upstream,
			ResolvedConfig: resolved,
			Unresolved:     missing,
		})
	}
	return sim
}
