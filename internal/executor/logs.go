package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
)

// nodeLog: журнал одного вызова узла.
//
// Записи копятся в памяти и после выполнения узла сбрасываются в журнал run
// одной пачкой. Каждая запись также уходит в slog.
type nodeLog struct {
	runID  uuid.UUID
	nodeID string
	slog   *slog.Logger

	mu      sync.Mutex
	entries []domain.RunLog
}

func newNodeLog(runID uuid.UUID, nodeID string, logger *slog.Logger) *nodeLog {
	return &nodeLog{
		runID:  runID,
		nodeID: nodeID,
		slog:   logger.With("node_id", nodeID),
	}
}

func (l *nodeLog) Debug(msg string, args ...any) { l.add(domain.LogLevelDebug, slog.LevelDebug, msg, args) }
func (l *nodeLog) Info(msg string, args ...any)  { l.add(domain.LogLevelInfo, slog.LevelInfo, msg, args) }
func (l *nodeLog) Warn(msg string, args ...any)  { l.add(domain.LogLevelWarn, slog.LevelWarn, msg, args) }
func (l *nodeLog) Error(msg string, args ...any) { l.add(domain.LogLevelError, slog.LevelError, msg, args) }

func (l *nodeLog) add(level domain.LogLevel, slogLevel slog.Level, msg string, args []any) {
	l.slog.Log(context.Background(), slogLevel, msg, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, domain.RunLog{
		RunID:     l.runID,
		NodeID:    l.nodeID,
		Level:     level,
		Message:   msg,
		Data:      argsToData(args),
		CreatedAt: time.Now().UTC(),
	})
}

// drain возвращает накопленные записи и очищает буфер.
func (l *nodeLog) drain() []domain.RunLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// argsToData переводит пары ключ/значение slog в map.
func argsToData(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	data := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case slog.Attr:
			data[a.Key] = a.Value.Any()
		case string:
			if i+1 < len(args) {
				data[a] = jsonSafe(args[i+1])
				i++
			} else {
				data["!BADKEY"] = a
			}
		default:
			data["!BADKEY"] = fmt.Sprint(a)
		}
	}
	return data
}

// jsonSafe приводит значения, которые json кодирует плохо.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case error:
		return x.Error()
	case time.Duration:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}
