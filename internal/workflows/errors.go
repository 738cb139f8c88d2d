package workflows

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shaiso/crmflow/internal/repo"
)

// Ошибки сервиса.
var (
	// ErrNotFound: workflow, версия или run не найдены у этого tenant.
	ErrNotFound = errors.New("not found")

	// ErrConflict: операция невозможна в текущем состоянии.
	ErrConflict = errors.New("conflict")

	ErrArchived       = fmt.Errorf("%w: workflow is archived", ErrConflict)
	ErrDuplicateName  = fmt.Errorf("%w: workflow name already exists", ErrConflict)
	ErrNotPublished   = fmt.Errorf("%w: workflow has no published version", ErrConflict)
	ErrNotActive      = fmt.Errorf("%w: workflow is not active", ErrConflict)
	ErrNotCancellable = fmt.Errorf("%w: run is not cancellable", ErrConflict)
)

// RateLimitError: превышен лимит запусков tenant.
type RateLimitError = repo.RateLimitError

// ValidationError: некорректный запрос или граф. Errors: все найденные проблемы.
type ValidationError struct {
	Errors []string
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

func invalid(msgs ...string) *ValidationError {
	return &ValidationError{Errors: msgs}
}

// mapRepoErr переводит ошибки репозитория в ошибки сервиса.
// stateErr: чем считать repo.ErrInvalidState в данной операции,
// notFound (необязательный): чем считать repo.ErrNotFound.
func mapRepoErr(err, stateErr error, notFound ...error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		if len(notFound) > 0 {
			return notFound[0]
		}
		return ErrNotFound
	case errors.Is(err, repo.ErrAlreadyExists):
		return ErrDuplicateName
	case errors.Is(err, repo.ErrInvalidState) && stateErr != nil:
		return stateErr
	default:
		return err
	}
}
