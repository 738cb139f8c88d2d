// Package cli реализует инструмент командной строки crmflow.
//
// # Обзор
//
// CLI: клиентская утилита для crmflow API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Отправляет bearer токен (--token) или,
// для dev режима API, X-Tenant-ID (--tenant). Ошибки API возвращаются
// как *APIError с кодом, сообщением и details.
//
//	client := cli.NewClient("http://localhost:8080", cli.ClientOptions{Token: token})
//	list, total, err := client.ListWorkflows(cli.ListOpts{Status: "active"})
//
// ## GraphFile
//
// Граф workflow в YAML или JSON (gopkg.in/yaml.v3 читает оба формата).
// Используется командами workflow create и workflow save-version.
//
// ## Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные выводятся в stdout, сообщения в stderr:
// crmflow run list --json | jq .
//
// ## Commands
//
//   - workflow: list, create, show, update, delete, save-version, publish,
//     trigger, test, execute-node, trigger-schema
//   - run: list, show, logs, nodes, cancel
//   - node-types: list, show, categories
//
// Каждая группа создаётся фабрикой (NewWorkflowCmd и т.д.), принимающей
// clientFn и outputFn: Client и Output создаются после разбора PersistentFlags.
package cli
