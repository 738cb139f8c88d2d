package nodes

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// Типы узлов со скриптами.
const (
	TypeCode      = "code"
	TypeCondition = "condition"

	defaultScriptTimeout = 5 * time.Second
)

// ErrScriptTimeout: скрипт не уложился в таймаут.
var ErrScriptTimeout = errors.New("script execution timeout")

// blockedGlobals: глобальные объекты, недоступные скриптам.
var blockedGlobals = []string{
	"require", "module", "exports", "process", "global",
	"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
}

// frozenBuiltins замораживаются, чтобы скрипт не мог их подменить.
var frozenBuiltins = []string{
	"Object", "Array", "Function", "String", "Number",
	"Boolean", "Date", "RegExp", "Error", "Math", "JSON",
}

// scriptRunner выполняет JavaScript в изолированном goja.Runtime.
// Runtime не потокобезопасен, поэтому на каждый вызов создаётся новый.
type scriptRunner struct {
	timeout time.Duration
}

// run выполняет скрипт, предварительно выставив глобальные переменные.
// Результат последнего выражения экспортируется в Go-значение.
func (r *scriptRunner) run(ctx context.Context, script string, globals map[string]any, log Logger) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := sandbox(vm); err != nil {
		return nil, err
	}
	for name, val := range globals {
		if err := vm.Set(name, val); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	if err := vm.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, a.Export())
		}
		log.Info("script log", "args", args)
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("set log: %w", err)
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var interrupted atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			interrupted.Store(true)
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	value, err := vm.RunString(script)
	if err != nil {
		if interrupted.Load() {
			if ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			return nil, NewExecutionError(fmt.Sprintf("script exceeded %s", timeout), ErrScriptTimeout)
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, NewExecutionError("script error: "+exc.Value().String(), err)
		}
		return nil, NewExecutionError("script error: "+err.Error(), err)
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// sandbox убирает опасные глобальные объекты и замораживает встроенные.
func sandbox(vm *goja.Runtime) error {
	for _, name := range blockedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	freeze, err := vm.RunString(`(function(o) { if (o) { Object.freeze(o); if (o.prototype) Object.freeze(o.prototype); } })`)
	if err != nil {
		return fmt.Errorf("create freeze function: %w", err)
	}
	freezeFn, ok := goja.AssertFunction(freeze)
	if !ok {
		return errors.New("freeze is not a function")
	}
	for _, name := range frozenBuiltins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freezeFn(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("freeze %s: %w", name, err)
		}
	}
	return nil
}

// checkSyntax компилирует скрипт без выполнения.
func checkSyntax(script string) error {
	if _, err := goja.Compile("", script, false); err != nil {
		return err
	}
	return nil
}

var codeDefinition = Definition{
	Type:        TypeCode,
	Label:       "Code",
	Description: "Run a JavaScript snippet; the value of the last expression is the output",
	Category:    CategoryCode,
	Fields: []ConfigField{
		{Name: "script", Type: "code", Required: true,
			Description: "globals: context, config, log(...)"},
		{Name: "timeout_ms", Type: "number", Default: 5000},
	},
}

// CodeHandler: узел с произвольным JavaScript.
//
// Скрипту доступны context (контекст run), config (вычисленный config узла)
// и log(...). Результат последнего выражения становится output.
//
// Конфигурация:
//
//	{"script": "({ total: context.fetch.body.items.length })"}
type CodeHandler struct {
	runner scriptRunner
}

// NewCodeHandler создаёт CodeHandler с таймаутом по умолчанию.
func NewCodeHandler(timeout time.Duration) *CodeHandler {
	return &CodeHandler{runner: scriptRunner{timeout: timeout}}
}

// Execute выполняет скрипт.
func (h *CodeHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	script := GetConfigString(inv.Config, "script")
	if script == "" {
		return nil, fmt.Errorf("%w: %s: script is required", ErrInvalidConfig, TypeCode)
	}

	runner := h.runner
	if ms := GetConfigInt(inv.Config, "timeout_ms"); ms > 0 {
		runner.timeout = time.Duration(ms) * time.Millisecond
	}

	return runner.run(ctx, script, map[string]any{
		"context": inv.Context.Map(),
		"config":  inv.Config,
	}, inv.logger())
}

// ValidateConfig проверяет синтаксис скрипта.
func (h *CodeHandler) ValidateConfig(config map[string]any) error {
	script := GetConfigString(config, "script")
	if script == "" {
		return fmt.Errorf("%w: %s: script is required", ErrInvalidConfig, TypeCode)
	}
	if isExpr(script) {
		return nil
	}
	if err := checkSyntax(script); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, TypeCode, err)
	}
	return nil
}

var conditionDefinition = Definition{
	Type:        TypeCondition,
	Label:       "Condition",
	Description: "Evaluate a JavaScript boolean expression",
	Category:    CategoryFlow,
	Fields: []ConfigField{
		{Name: "expression", Type: "code", Required: true,
			Description: `e.g. context.trigger.priority === "high"`},
		{Name: "fail_on_false", Type: "boolean", Default: false,
			Description: "fail the node (and stop the run) when false"},
	},
}

// ConditionHandler вычисляет булево выражение.
//
// Output: {"result": true}. При fail_on_false = true ложный результат
// останавливает run.
type ConditionHandler struct {
	runner scriptRunner
}

// NewConditionHandler создаёт ConditionHandler.
func NewConditionHandler(timeout time.Duration) *ConditionHandler {
	return &ConditionHandler{runner: scriptRunner{timeout: timeout}}
}

// Execute вычисляет условие.
func (h *ConditionHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	expr := GetConfigString(inv.Config, "expression")
	if expr == "" {
		return nil, fmt.Errorf("%w: %s: expression is required", ErrInvalidConfig, TypeCondition)
	}

	val, err := h.runner.run(ctx, "Boolean("+expr+")", map[string]any{
		"context": inv.Context.Map(),
		"config":  inv.Config,
	}, inv.logger())
	if err != nil {
		return nil, err
	}

	result, _ := val.(bool)
	if !result && GetConfigBool(inv.Config, "fail_on_false", false) {
		return nil, NewExecutionError("condition is false: "+expr, nil)
	}
	return map[string]any{"result": result}, nil
}

// ValidateConfig проверяет синтаксис выражения.
func (h *ConditionHandler) ValidateConfig(config map[string]any) error {
	expr := GetConfigString(config, "expression")
	if expr == "" {
		return fmt.Errorf("%w: %s: expression is required", ErrInvalidConfig, TypeCondition)
	}
	if isExpr(expr) {
		return nil
	}
	if err := checkSyntax("Boolean(" + expr + ")"); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, TypeCondition, err)
	}
	return nil
}
