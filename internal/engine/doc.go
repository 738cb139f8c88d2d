// Package engine содержит чистую логику работы с графом workflow.
//
// Включает:
//   - validate.go:   валидация графа (ID, рёбра, циклы, наличие триггера)
//   - planner.go:    порядок выполнения через обратную достижимость
//   - expression.go: разбор выражений {{ path | fn }} в Template
//   - resolver.go:   контекст run и вычисление config узлов
//   - simulate.go:   dry-run: план и вычисленные config без выполнения
//
// Пакет не делает ввода-вывода и не знает об обработчиках узлов:
// признак триггера передаётся снаружи через TriggerFunc.
package engine
