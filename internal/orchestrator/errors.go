package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound: run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrVersionNotFound: версия workflow не найдена.
	ErrVersionNotFound = errors.New("workflow version not found")

	// ErrRunAlreadyActive: run уже обрабатывается.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrNoCapacity: нет свободного слота (глобального или tenant).
	ErrNoCapacity = errors.New("no free execution slot")

	// ErrRunNotPending: run не в статусе PENDING.
	ErrRunNotPending = errors.New("run is not in PENDING status")

	// ErrRunNotWaiting: run не в статусе WAITING.
	ErrRunNotWaiting = errors.New("run is not in WAITING status")

	// ErrOrchestratorStopped: оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
