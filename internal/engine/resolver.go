package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TriggerKey: ключ данных триггера в контексте run.
const TriggerKey = "trigger"

// contextPrefix: необязательный корень пути: {{ context.trigger.email }}.
const contextPrefix = "context"

// RunContext: накопленный контекст run: {trigger: ..., <nodeId>: output}.
//
// Контекст неизменяем: AddToContext возвращает новый экземпляр,
// поэтому одновременно выполняемые run не делят состояние.
type RunContext map[string]any

// NewRunContext создаёт контекст с данными триггера.
func NewRunContext(trigger map[string]any) RunContext {
	if trigger == nil {
		trigger = map[string]any{}
	}
	return RunContext{TriggerKey: trigger}
}

// AddToContext возвращает новый контекст, содержащий все ключи ctx и nodeID.
// Исходный ctx не меняется.
func AddToContext(ctx RunContext, nodeID string, output any) RunContext {
	next := make(RunContext, len(ctx)+1)
	for k, v := range ctx {
		next[k] = v
	}
	next[nodeID] = output
	return next
}

// Trigger возвращает данные триггера.
func (c RunContext) Trigger() map[string]any {
	if m, ok := c[TriggerKey].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Has проверяет наличие ключа.
func (c RunContext) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Map возвращает контекст как обычный map (для сериализации).
func (c RunContext) Map() map[string]any {
	return map[string]any(c)
}

// Unresolved: ссылка, которую не удалось вычислить.
// Используется в dry-run, чтобы показать автору, какое поле не разрешилось.
type Unresolved struct {
	// Field: путь внутри config: "body.email", "recipients[0]".
	Field string `json:"field"`

	// Expression: исходный текст выражения.
	Expression string `json:"expression"`

	Reason string `json:"reason"`
}

// ResolveConfig вычисляет config узла в контексте run.
//
// Литералы возвращаются как есть, строки с выражениями заменяются
// значениями. Отсутствующие ссылки дают пустое значение: nil для строки,
// целиком состоящей из выражения, и "" внутри текста.
func ResolveConfig(config map[string]any, ctx RunContext) map[string]any {
	out, _ := ResolveConfigReport(config, ctx)
	return out
}

// ResolveConfigReport: как ResolveConfig, дополнительно возвращает
// список неразрешённых ссылок.
func ResolveConfigReport(config map[string]any, ctx RunContext) (map[string]any, []Unresolved) {
	if config == nil {
		return map[string]any{}, nil
	}
	r := &resolution{ctx: ctx}
	out, _ := r.eval(Compile(config), "").(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, r.unresolved
}

// ResolveValue вычисляет одно значение.
func ResolveValue(value any, ctx RunContext) any {
	r := &resolution{ctx: ctx}
	return r.eval(Compile(value), "")
}

// resolution накапливает неразрешённые ссылки одного вызова.
type resolution struct {
	ctx        RunContext
	unresolved []Unresolved
}

func (r *resolution) miss(field, expr, reason string) {
	r.unresolved = append(r.unresolved, Unresolved{Field: field, Expression: expr, Reason: reason})
}

func (r *resolution) eval(t Template, field string) any {
	switch v := t.(type) {
	case Literal:
		return v.Value

	case *Expr:
		if v.Err != nil {
			r.miss(field, v.Raw, v.Err.Error())
			return v.Raw
		}
		return r.evalExpr(v, field)

	case *Interpolation:
		var b strings.Builder
		for _, part := range v.Parts {
			switch p := part.(type) {
			case Literal:
				b.WriteString(Stringify(p.Value))
			case *Expr:
				if p.Err != nil {
					r.miss(field, p.Raw, p.Err.Error())
					b.WriteString(p.Raw)
					continue
				}
				b.WriteString(Stringify(r.evalExpr(p, field)))
			}
		}
		return b.String()

	case *MapTemplate:
		out := make(map[string]any, len(v.Fields))
		// Порядок обхода фиксирован, чтобы отчёт был детерминированным.
		keys := make([]string, 0, len(v.Fields))
		for k := range v.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = r.eval(v.Fields[k], joinField(field, k))
		}
		return out

	case *ListTemplate:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = r.eval(item, fmt.Sprintf("%s[%d]", field, i))
		}
		return out
	}
	return nil
}

func joinField(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func (r *resolution) evalExpr(e *Expr, field string) any {
	val, ok := Lookup(r.ctx, e.Path)
	if !ok && !hasDefault(e.Pipes) {
		r.miss(field, e.Raw, "reference not found: "+e.Path.String())
	}
	for _, call := range e.Pipes {
		val = exprFuncs[call.Name].apply(val, call.Args)
	}
	return val
}

func hasDefault(pipes []Call) bool {
	for _, c := range pipes {
		if c.Name == "default" {
			return true
		}
	}
	return false
}

// Lookup ищет значение по пути в контексте.
// Ведущий сегмент "context" отбрасывается, если в контексте нет узла с таким ID.
func Lookup(ctx RunContext, path Path) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	if len(path) > 1 && !path[0].IsIndex && path[0].Key == contextPrefix && !ctx.Has(contextPrefix) {
		path = path[1:]
	}

	var cur any = map[string]any(ctx)
	for _, seg := range path {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, seg Segment) (any, bool) {
	if seg.IsIndex {
		switch v := cur.(type) {
		case []any:
			if seg.Index < len(v) {
				return v[seg.Index], true
			}
		case []string:
			if seg.Index < len(v) {
				return v[seg.Index], true
			}
		case []map[string]any:
			if seg.Index < len(v) {
				return v[seg.Index], true
			}
		}
		return nil, false
	}

	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[seg.Key]
		return val, ok
	case RunContext:
		val, ok := v[seg.Key]
		return val, ok
	case map[string]string:
		val, ok := v[seg.Key]
		return val, ok
	case []any:
		// Числовой ключ через точку: items.0.name
		if i, err := strconv.Atoi(seg.Key); err == nil && i >= 0 && i < len(v) {
			return v[i], true
		}
	}
	return nil, false
}

// Stringify приводит значение к строке для подстановки в текст.
// Объекты и массивы сериализуются в JSON, nil даёт пустую строку.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int, int64, int32, float32, json.Number:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// exprFunc: функция pipe с фиксированным числом аргументов.
type exprFunc struct {
	arity int
	apply func(val any, args []string) any
}

// exprFuncs: функции, доступные в выражениях.
var exprFuncs = map[string]exprFunc{
	// upper: приводит к верхнему регистру
	"upper": {0, func(v any, _ []string) any { return strings.ToUpper(Stringify(v)) }},

	// lower: приводит к нижнему регистру
	"lower": {0, func(v any, _ []string) any { return strings.ToLower(Stringify(v)) }},

	// trim: удаляет пробелы по краям
	"trim": {0, func(v any, _ []string) any { return strings.TrimSpace(Stringify(v)) }},

	// json: сериализует значение в JSON строку
	"json": {0, func(v any, _ []string) any {
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}},

	// default: возвращает значение по умолчанию, если значение пустое
	"default": {1, func(v any, args []string) any {
		if v == nil {
			return args[0]
		}
		if s, ok := v.(string); ok && s == "" {
			return args[0]
		}
		return v
	}},

	// join: объединяет массив через разделитель
	"join": {1, func(v any, args []string) any {
		switch items := v.(type) {
		case []any:
			parts := make([]string, len(items))
			for i, it := range items {
				parts[i] = Stringify(it)
			}
			return strings.Join(parts, args[0])
		case []string:
			return strings.Join(items, args[0])
		}
		return Stringify(v)
	}},
}
