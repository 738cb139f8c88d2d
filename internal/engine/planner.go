package engine

import (
	"fmt"

	"github.com/shaiso/crmflow/internal/domain"
)

// Plan: индекс графа для вычисления порядка выполнения.
//
// Upstream каждого узла хранится в порядке списка рёбер:
// именно в этом порядке обходятся зависимости, что делает порядок
// воспроизводимым для одинаковых графов.
type Plan struct {
	nodes      map[string]domain.Node
	order      []string // ID узлов в порядке списка
	upstream   map[string][]string
	downstream map[string][]string
}

// NewPlan строит индекс графа. Граф должен пройти Validate.
func NewPlan(g domain.Graph) *Plan {
	p := &Plan{
		nodes:      make(map[string]domain.Node, len(g.Nodes)),
		order:      make([]string, 0, len(g.Nodes)),
		upstream:   make(map[string][]string),
		downstream: make(map[string][]string),
	}
	for _, n := range g.Nodes {
		if _, dup := p.nodes[n.ID]; dup {
			continue
		}
		p.nodes[n.ID] = n
		p.order = append(p.order, n.ID)
	}
	for _, e := range g.Edges {
		p.upstream[e.Target] = append(p.upstream[e.Target], e.Source)
		p.downstream[e.Source] = append(p.downstream[e.Source], e.Target)
	}
	return p
}

// Upstream возвращает прямых предшественников узла.
func (p *Plan) Upstream(id string) []string {
	return p.upstream[id]
}

// orderWalker: обход в глубину по обратным рёбрам с общим множеством visited.
// Несколько целей, обработанных одним walker, дают один порядок без повторов.
type orderWalker struct {
	plan    *Plan
	visited map[string]bool
	onStack map[string]bool
	out     []domain.Node
}

func (p *Plan) walker() *orderWalker {
	return &orderWalker{
		plan:    p,
		visited: make(map[string]bool),
		onStack: make(map[string]bool),
	}
}

// visit добавляет в порядок всех непосещённых предков id, затем сам id.
func (w *orderWalker) visit(id string) error {
	if w.visited[id] {
		return nil
	}
	if w.onStack[id] {
		return fmt.Errorf("%w: at node %s", ErrCyclicDependency, id)
	}
	node, ok := w.plan.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	w.onStack[id] = true
	for _, src := range w.plan.upstream[id] {
		if err := w.visit(src); err != nil {
			return err
		}
	}
	w.onStack[id] = false

	w.visited[id] = true
	w.out = append(w.out, node)
	return nil
}

// ExecutionOrder возвращает порядок выполнения для одного целевого узла:
// все его транзитивные предки (каждый после своих зависимостей), затем он сам.
func ExecutionOrder(g domain.Graph, targetID string) ([]domain.Node, error) {
	return NewPlan(g).ExecutionOrder(targetID)
}

// ExecutionOrder: см. функцию пакета ExecutionOrder.
func (p *Plan) ExecutionOrder(targetID string) ([]domain.Node, error) {
	if _, ok := p.nodes[targetID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, targetID)
	}
	w := p.walker()
	if err := w.visit(targetID); err != nil {
		return nil, err
	}
	return w.out, nil
}

// FullOrder возвращает глобальный порядок выполнения всего workflow.
//
// Целями становятся все узлы, достижимые из trigger-узлов, в порядке списка
// узлов; для каждой цели применяется тот же обход, что и в ExecutionOrder,
// с общим множеством visited. Узлы, не связанные с триггерами, не выполняются.
// Если в графе нет ни одного trigger-узла, целями считаются все узлы.
func FullOrder(g domain.Graph, isTrigger TriggerFunc) ([]domain.Node, error) {
	return NewPlan(g).FullOrder(isTrigger)
}

// FullOrder: см. функцию пакета FullOrder.
func (p *Plan) FullOrder(isTrigger TriggerFunc) ([]domain.Node, error) {
	reachable := p.reachableFromTriggers(isTrigger)

	w := p.walker()
	for _, id := range p.order {
		if reachable != nil && !reachable[id] {
			continue
		}
		if err := w.visit(id); err != nil {
			return nil, err
		}
	}
	return w.out, nil
}

// reachableFromTriggers возвращает множество узлов, достижимых из триггеров
// (включая сами триггеры). Nil означает "триггеров нет".
func (p *Plan) reachableFromTriggers(isTrigger TriggerFunc) map[string]bool {
	var queue []string
	for _, id := range p.order {
		if isTrigger != nil && isTrigger(p.nodes[id].Type) {
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(p.order))
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range p.downstream[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// NodeIDs возвращает ID узлов в заданном порядке.
func NodeIDs(nodes []domain.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
