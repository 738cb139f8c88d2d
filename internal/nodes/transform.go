package nodes

import (
	"context"
	"fmt"
)

// Типы узлов работы с данными.
const (
	TypeTransform   = "transform"
	TypeSetVariable = "set_variable"
	TypeOutput      = "output"

	// Ключ конфигурации.
	configMappings = "mappings"
)

var transformDefinition = Definition{
	Type:        TypeTransform,
	Label:       "Transform",
	Description: "Build a new object from trigger data and upstream outputs",
	Category:    CategoryData,
	Fields: []ConfigField{
		{Name: configMappings, Type: "object", Required: true,
			Description: `output key -> value or expression, e.g. {"email": "{{ trigger.from }}"}`},
	},
}

// TransformHandler: узел трансформации данных.
//
// Выражения в mappings уже вычислены движком, узел только собирает
// результат. Строки, похожие на JSON, разбираются.
//
// Конфигурация:
//
//	{
//	    "mappings": {
//	        "email": "{{ trigger.from }}",
//	        "score": "{{ enrich.body.score }}",
//	        "summary": "{{ trigger.subject }} ({{ trigger.channel }})"
//	    }
//	}
//
// Output:
//
//	{"email": "customer@example.com", "score": 7, "summary": "Question (email)"}
type TransformHandler struct{}

// NewTransformHandler создаёт TransformHandler.
func NewTransformHandler() *TransformHandler {
	return &TransformHandler{}
}

// Execute выполняет трансформацию.
func (h *TransformHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx)
	default:
	}

	raw, ok := inv.Config[configMappings]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}

	mappings, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: mappings must be an object", ErrInvalidConfig, TypeTransform)
	}

	out := make(map[string]any, len(mappings))
	for key, val := range mappings {
		if s, ok := val.(string); ok {
			out[key] = parseValue(s)
			continue
		}
		out[key] = val
	}
	inv.logger().Debug("transform applied", "keys", len(out))
	return out, nil
}

// ValidateConfig проверяет тип mappings.
func (h *TransformHandler) ValidateConfig(config map[string]any) error {
	if raw, ok := config[configMappings]; ok && raw != nil && !isExpr(raw) {
		if _, ok := raw.(map[string]any); !ok {
			return fmt.Errorf("%w: %s: mappings must be an object", ErrInvalidConfig, TypeTransform)
		}
	}
	return nil
}

var setVariableDefinition = Definition{
	Type:        TypeSetVariable,
	Label:       "Set variable",
	Description: "Store one named value for later nodes",
	Category:    CategoryData,
	Fields: []ConfigField{
		{Name: "name", Type: "string", Required: true},
		{Name: "value", Type: "string", Required: true},
	},
}

// SetVariableHandler: output вида {name: value}.
type SetVariableHandler struct{}

// NewSetVariableHandler создаёт SetVariableHandler.
func NewSetVariableHandler() *SetVariableHandler {
	return &SetVariableHandler{}
}

// Execute возвращает {name: value}.
func (h *SetVariableHandler) Execute(_ context.Context, inv *Invocation) (any, error) {
	name := GetConfigString(inv.Config, "name")
	if name == "" {
		return nil, fmt.Errorf("%w: %s: name is required", ErrInvalidConfig, TypeSetVariable)
	}
	return map[string]any{name: inv.Config["value"]}, nil
}

var outputDefinition = Definition{
	Type:        TypeOutput,
	Label:       "Output",
	Description: "Final result of the workflow",
	Category:    CategoryData,
	Fields: []ConfigField{
		{Name: "value", Type: "object", Description: "Result value; whole config when omitted"},
	},
}

// OutputHandler: возвращает value или весь config.
type OutputHandler struct{}

// NewOutputHandler создаёт OutputHandler.
func NewOutputHandler() *OutputHandler {
	return &OutputHandler{}
}

// Execute возвращает результат.
func (h *OutputHandler) Execute(_ context.Context, inv *Invocation) (any, error) {
	if v, ok := inv.Config["value"]; ok {
		return v, nil
	}
	return inv.Config, nil
}
