package executor

import (
	"context"
	"errors"
	"time"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/nodes"
)

// maxAttempts возвращает число попыток по политике.
func maxAttempts(policy *domain.RetryPolicy) int {
	if policy != nil && policy.MaxAttempts > 0 {
		return policy.MaxAttempts
	}
	return 1
}

// shouldRetry определяет, нужно ли делать retry.
func shouldRetry(ctx context.Context, err error) bool {
	// run отменён
	if ctx.Err() != nil {
		return false
	}
	if _, ok := nodes.IsSuspend(err); ok {
		return false
	}
	// Ошибки конфигурации не исправятся повтором.
	if errors.Is(err, nodes.ErrInvalidConfig) || errors.Is(err, nodes.ErrNodeTypeNotFound) {
		return false
	}
	return true
}

// calculateBackoff вычисляет задержку перед retry.
func calculateBackoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return time.Second
	}

	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initialDelay
	if policy.Backoff == "exponential" {
		// delay = initialDelay * 2^(attempt-1)
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				break
			}
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// sleep ждёт d или отмены ctx.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
