package repo

import (
	"errors"
	"fmt"
	"time"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound: запись не найдена в БД (или принадлежит другому tenant).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState: операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrRateLimited: превышен лимит запусков tenant.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// RateLimitError: лимит запусков превышен.
type RateLimitError struct {
	Limit  int
	Window time.Duration

	// RetryAfter: через сколько освободится слот.
	RetryAfter time.Duration
}

// Error реализует интерфейс error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d runs per %s", e.Limit, e.Window)
}

// Is позволяет errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
