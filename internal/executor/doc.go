// Package executor исполняет граф версии для одного run.
//
// Engine обходит узлы в порядке engine.FullOrder, вычисляет config каждого
// узла в контексте run, вызывает обработчик из nodes.Registry и сохраняет
// результаты через Store. Первый упавший узел останавливает run.
//
// Trigger-узлы в полном run не вызываются: их данные уже лежат
// в context.trigger. ExecuteNode (отладка одного узла) вызывает их,
// и они возвращают тестовые данные.
//
// Обработчик может приостановить run, вернув nodes.SuspendError.
// Тогда Outcome имеет статус waiting, а продолжение выполняет Resume.
//
// Retry и таймаут вызова берутся из domain.Settings версии.
package executor
