package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaiso/crmflow/internal/domain"
)

// TriggerFunc сообщает, является ли тип узла триггером.
// Реестр узлов передаёт сюда свой IsTrigger.
type TriggerFunc func(nodeType string) bool

// ValidateOptions: параметры валидации.
type ValidateOptions struct {
	// RequireTrigger: граф обязан содержать хотя бы один trigger-узел.
	// Включается при публикации.
	RequireTrigger bool
}

// ValidationResult: итог валидации графа.
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Errors []string           `json:"errors"`
	Issues []*ValidationError `json:"-"`
}

// Err возвращает первую ошибку или nil.
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Issues) == 0 {
		return nil
	}
	return r.Issues[0]
}

func (r *ValidationResult) add(issue *ValidationError) {
	r.Valid = false
	r.Issues = append(r.Issues, issue)
	r.Errors = append(r.Errors, issue.Error())
}

// Validate проверяет граф.
//
// Проверяет:
// - Наличие ID и типа у каждого узла
// - Уникальность ID узлов
// - Что рёбра ссылаются на существующие узлы
// - Отсутствие циклов (DFS со стеком рекурсии)
// - Наличие trigger-узла, если opts.RequireTrigger
//
// Собирает все найденные ошибки, а не только первую.
func Validate(g domain.Graph, isTrigger TriggerFunc, opts ValidateOptions) *ValidationResult {
	res := &ValidationResult{Valid: true, Errors: []string{}}

	known := make(map[string]bool, len(g.Nodes))
	triggers := 0
	for i, n := range g.Nodes {
		if n.ID == "" {
			res.add(NewValidationError("", "id",
				fmt.Sprintf("node at index %d has empty ID", i), ErrEmptyNodeID))
			continue
		}
		if known[n.ID] {
			res.add(NewValidationError(n.ID, "id",
				fmt.Sprintf("duplicate node ID: %s", n.ID), ErrDuplicateNodeID))
			continue
		}
		known[n.ID] = true

		if n.Type == "" {
			res.add(NewValidationError(n.ID, "type", "node has empty type", ErrEmptyNodeType))
		} else if isTrigger != nil && isTrigger(n.Type) {
			triggers++
		}
	}

	edgesOK := true
	for i, e := range g.Edges {
		if !known[e.Source] {
			edgesOK = false
			res.add(NewValidationError("", "edges",
				fmt.Sprintf("edge %s references unknown source node %q", edgeName(i, e), e.Source), ErrUnknownNode))
		}
		if !known[e.Target] {
			edgesOK = false
			res.add(NewValidationError("", "edges",
				fmt.Sprintf("edge %s references unknown target node %q", edgeName(i, e), e.Target), ErrUnknownNode))
		}
	}

	// Поиск циклов имеет смысл только на корректных рёбрах.
	if edgesOK {
		if cycle := findCycle(g); cycle != nil {
			res.add(NewValidationError(cycle[0], "edges",
				"cycle detected: "+strings.Join(cycle, " -> "), ErrCyclicDependency))
		}
	}

	if opts.RequireTrigger && triggers == 0 {
		res.add(NewValidationError("", "nodes",
			"workflow must contain at least one trigger node", ErrNoTrigger))
	}

	return res
}

func edgeName(i int, e domain.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("#%d", i)
}

// findCycle ищет цикл обходом в глубину со стеком рекурсии.
// Узел, повторно встреченный пока он на стеке, замыкает цикл.
// Возвращает путь цикла (первый узел повторяется в конце) или nil.
func findCycle(g domain.Graph) []string {
	downstream := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		downstream[e.Source] = append(downstream[e.Source], e.Target)
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.Nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, next := range downstream[id] {
			switch state[next] {
			case onStack:
				// Вырезаем путь от первого вхождения next до вершины стека.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, next)
					}
				}
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, n := range g.Nodes {
		if state[n.ID] == unvisited {
			if c := visit(n.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// ParseGraph разбирает граф из JSON.
// Выполняет только структурный разбор, без валидации.
func ParseGraph(data []byte) (domain.Graph, error) {
	var g domain.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return domain.Graph{}, fmt.Errorf("failed to parse graph: %w", err)
	}
	if g.Nodes == nil {
		g.Nodes = []domain.Node{}
	}
	if g.Edges == nil {
		g.Edges = []domain.Edge{}
	}
	return g, nil
}
