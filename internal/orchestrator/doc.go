// Package orchestrator исполняет runs crmflow.
//
// Orchestrator отвечает за:
//   - Приём pending runs из RabbitMQ, напрямую (Submit) и через polling
//   - Ограничение параллельности: глобальный потолок и потолок на tenant
//   - Исполнение графа через executor.Engine
//   - Финализацию run условными переходами статуса
//   - Приостановку в WAITING и продолжение (Resume) по заданию scheduler
//   - Отмену исполняемого run (Cancel)
//   - Запуск workflow по входящим событиям (events.inbound)
//
// Один run никогда не исполняется параллельно сам с собой: слот
// занимается в памяти, а переход pending → running условный в БД.
package orchestrator
