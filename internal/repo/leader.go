package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchedulerLockKey: ключ advisory lock лидера scheduler.
const SchedulerLockKey int64 = 424242

// LeaderLock: сессионный pg_advisory_lock на выделенном соединении.
//
// Сессионный lock принадлежит соединению, поэтому соединение
// удерживается из пула, пока экземпляр остаётся лидером.
// Потеря соединения означает потерю лидерства.
type LeaderLock struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewLeaderLock создаёт LeaderLock.
func NewLeaderLock(pool *pgxpool.Pool, key int64) *LeaderLock {
	return &LeaderLock{pool: pool, key: key}
}

// TryAcquire пытается стать лидером или подтверждает лидерство.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// соединение потеряно вместе с lock
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release снимает lock и возвращает соединение в пул.
func (l *LeaderLock) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}
