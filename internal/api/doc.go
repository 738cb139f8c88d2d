// Package api содержит REST API crmflow на echo.
//
// Структура:
//   - handler.go:          Handler и интерфейсы зависимостей (Service, Catalog)
//   - routes.go:           echo сервер, middleware и маршруты
//   - middleware.go:       logging, recovery, метрики
//   - response.go:         JSON-конверты и ErrorHandler
//   - dto.go:              тела запросов
//   - workflow_handler.go: workflows, версии, trigger и отладка
//   - run_handler.go:      история runs, логи, отмена
//   - node_handler.go:     каталог типов узлов
//
// Все маршруты /api/v1 требуют tenant (auth.RequireTenant).
// /healthz и /metrics доступны без него.
package api
