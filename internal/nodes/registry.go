package nodes

import (
	"fmt"
	"sort"
	"sync"
)

// entry: зарегистрированный тип узла.
type entry struct {
	def     Definition
	handler Handler
}

// Registry: реестр типов узлов.
//
// Позволяет регистрировать и получать обработчики по типу.
// Потокобезопасен.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]entry
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]entry),
	}
}

// DefaultRegistry создаёт реестр со всеми встроенными узлами.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	registerTriggers(r)
	r.Register(transformDefinition, NewTransformHandler())
	r.Register(setVariableDefinition, NewSetVariableHandler())
	r.Register(outputDefinition, NewOutputHandler())
	r.Register(httpDefinition, NewHTTPHandler())
	r.Register(emitEventDefinition, NewEmitEventHandler())
	r.Register(delayDefinition, NewDelayHandler())
	r.Register(conditionDefinition, NewConditionHandler(defaultScriptTimeout))
	r.Register(codeDefinition, NewCodeHandler(defaultScriptTimeout))

	return r
}

// Register регистрирует тип узла.
// Если тип уже существует, он будет перезаписан.
func (r *Registry) Register(def Definition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[def.Type] = entry{def: def, handler: handler}
}

// Get возвращает обработчик по типу.
// Возвращает ErrNodeTypeNotFound, если тип не зарегистрирован.
func (r *Registry) Get(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.nodes[nodeType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNodeTypeNotFound, nodeType)
	}
	return e.handler, nil
}

// Definition возвращает описание типа узла.
func (r *Registry) Definition(nodeType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.nodes[nodeType]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrNodeTypeNotFound, nodeType)
	}
	return e.def, nil
}

// Definitions возвращает описания всех типов, отсортированные по категории и типу.
// Пустая category означает "все".
func (r *Registry) Definitions(category string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.nodes))
	for _, e := range r.nodes {
		if category != "" && e.def.Category != category {
			continue
		}
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Category != defs[j].Category {
			return defs[i].Category < defs[j].Category
		}
		return defs[i].Type < defs[j].Type
	})
	return defs
}

// Categories возвращает категории с количеством типов в каждой.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range r.nodes {
		counts[e.def.Category]++
	}
	out := make([]Category, 0, len(counts))
	for name, n := range counts {
		out = append(out, Category{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsTrigger возвращает true для зарегистрированных trigger-типов.
// Неизвестные типы триггерами не считаются.
func (r *Registry) IsTrigger(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[nodeType].def.IsTrigger
}

// Has проверяет, зарегистрирован ли тип.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.nodes[nodeType]
	return exists
}

// Types возвращает список всех зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.nodes))
	for t := range r.nodes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count возвращает количество зарегистрированных типов.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Unregister удаляет тип из реестра.
func (r *Registry) Unregister(nodeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeType)
}

// ValidateConfig проверяет config узла, если обработчик это умеет.
// Неизвестный тип не ошибка валидации: он упадёт при выполнении.
func (r *Registry) ValidateConfig(nodeType string, config map[string]any) error {
	handler, err := r.Get(nodeType)
	if err != nil {
		return nil
	}
	if v, ok := handler.(ConfigValidator); ok {
		return v.ValidateConfig(config)
	}
	return nil
}
