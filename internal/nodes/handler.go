package nodes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/engine"
)

// Ошибки узлов.
var (
	// ErrNodeTypeNotFound: тип узла не найден в реестре.
	ErrNodeTypeNotFound = errors.New("node type not found")

	// ErrInvalidConfig: невалидная конфигурация узла.
	ErrInvalidConfig = errors.New("invalid node config")

	// ErrNodeTimeout: узел превысил таймаут.
	ErrNodeTimeout = errors.New("node execution timeout")

	// ErrNodeCancelled: выполнение узла отменено.
	ErrNodeCancelled = errors.New("node execution cancelled")
)

// Handler: обработчик типа узла.
//
// Каждый тип узла (http_request, transform, code...) реализует этот интерфейс
// и регистрируется в Registry при старте процесса.
type Handler interface {
	// Execute выполняет узел и возвращает его output (любое JSON-значение).
	// Обработчик должен проверять ctx.Done() для graceful shutdown.
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// HandlerFunc позволяет использовать функцию как Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// Execute вызывает f.
func (f HandlerFunc) Execute(ctx context.Context, inv *Invocation) (any, error) {
	return f(ctx, inv)
}

// ConfigValidator: необязательный интерфейс обработчика:
// проверка config при публикации версии.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// Logger: журнал узла. Записи попадают в журнал run.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// EventPublisher публикует доменные события CRM.
type EventPublisher interface {
	PublishEvent(ctx context.Context, tenantID uuid.UUID, eventType string, payload map[string]any) error
}

// Services: внешние зависимости, доступные обработчикам.
// Любое поле может быть nil (например, в тестовом запуске узла).
type Services struct {
	// HTTPClient переопределяет клиент http_request узлов.
	HTTPClient *http.Client

	// Events: публикация событий для emit_event.
	Events EventPublisher
}

// Invocation: входные данные для выполнения узла.
type Invocation struct {
	NodeID   string
	NodeType string

	// Config: config узла, уже вычисленный в контексте run.
	Config map[string]any

	// Context: контекст run на момент вызова.
	Context engine.RunContext

	Logger Logger

	RunID      uuid.UUID
	TenantID   uuid.UUID
	WorkflowID uuid.UUID

	// Run: описание run; nil в тестовом запуске узла.
	Run *domain.Run

	Services *Services

	// Attempt: номер попытки, начиная с 1.
	Attempt int

	// Resumed: узел вызывается повторно после WAITING.
	Resumed bool
}

// TestMode возвращает true, если узел выполняется вне сохранённого run.
func (inv *Invocation) TestMode() bool {
	return inv.Run == nil
}

// NodeExecutionError: ошибка выполнения узла.
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Message  string
	Err      error
}

// Error реализует интерфейс error.
func (e *NodeExecutionError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError создаёт ошибку выполнения с сообщением для пользователя.
func NewExecutionError(message string, err error) *NodeExecutionError {
	return &NodeExecutionError{Message: message, Err: err}
}

// AsExecutionError приводит ошибку обработчика к NodeExecutionError
// и проставляет узел.
func AsExecutionError(nodeID, nodeType string, err error) *NodeExecutionError {
	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) {
		out := *nodeErr
		if out.NodeID == "" {
			out.NodeID = nodeID
		}
		if out.NodeType == "" {
			out.NodeType = nodeType
		}
		return &out
	}
	return &NodeExecutionError{
		NodeID:   nodeID,
		NodeType: nodeType,
		Message:  err.Error(),
		Err:      err,
	}
}

// SuspendError: сигнал обработчика приостановить run до ResumeAt.
// После resume обработчик вызывается снова с Invocation.Resumed = true.
type SuspendError struct {
	ResumeAt time.Time
	Reason   string
}

// Error реализует интерфейс error.
func (e *SuspendError) Error() string {
	return fmt.Sprintf("node suspended until %s", e.ResumeAt.Format(time.RFC3339))
}

// Suspend возвращает ошибку-сигнал приостановки.
func Suspend(resumeAt time.Time, reason string) error {
	return &SuspendError{ResumeAt: resumeAt, Reason: reason}
}

// IsSuspend проверяет, является ли ошибка сигналом приостановки.
func IsSuspend(err error) (*SuspendError, bool) {
	var s *SuspendError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// cancelled оборачивает ошибку контекста.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", ErrNodeCancelled, ctx.Err())
}

// discardLogger: Logger, который ничего не пишет.
type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// DiscardLogger: Logger без вывода.
var DiscardLogger Logger = discardLogger{}

func (inv *Invocation) logger() Logger {
	if inv.Logger == nil {
		return DiscardLogger
	}
	return inv.Logger
}

func (inv *Invocation) services() *Services {
	if inv.Services == nil {
		return &Services{}
	}
	return inv.Services
}
