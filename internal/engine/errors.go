package engine

import "errors"

// Ошибки валидации графа.
var (
	// ErrEmptyNodeID: узел не имеет ID.
	ErrEmptyNodeID = errors.New("node has empty ID")

	// ErrEmptyNodeType: у узла не задан тип.
	ErrEmptyNodeType = errors.New("node has empty type")

	// ErrDuplicateNodeID: несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrUnknownNode: ребро ссылается на несуществующий узел.
	ErrUnknownNode = errors.New("edge references unknown node")

	// ErrCyclicDependency: обнаружен цикл.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrNoTrigger: в графе нет ни одного trigger-узла.
	ErrNoTrigger = errors.New("graph has no trigger node")

	// ErrNodeNotFound: запрошенный целевой узел отсутствует в графе.
	ErrNodeNotFound = errors.New("node not found in graph")
)

// Ошибки разбора выражений.
var (
	// ErrUnclosedExpression: "{{" без парной "}}".
	ErrUnclosedExpression = errors.New("unclosed expression")

	// ErrInvalidPath: путь выражения не разбирается.
	ErrInvalidPath = errors.New("invalid expression path")

	// ErrUnknownFunction: неизвестная функция в pipe.
	ErrUnknownFunction = errors.New("unknown expression function")
)

// ValidationError: ошибка валидации с контекстом.
type ValidationError struct {
	NodeID  string // ID узла, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(nodeID, field, message string, err error) *ValidationError {
	return &ValidationError{
		NodeID:  nodeID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
