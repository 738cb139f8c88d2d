package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
)

// RunState: run, исполняемый в этом процессе.
//
// RunState создаётся при занятии слота и удаляется, когда исполнение
// закончилось (run завершён или приостановлен).
type RunState struct {
	// Run: данные run из БД.
	Run *domain.Run

	// ResumeNode: узел, с которого продолжается run; пусто для первого запуска.
	ResumeNode string

	// AdmittedAt: момент занятия слота.
	AdmittedAt time.Time

	cancel context.CancelFunc
}

// NewRunState создаёт новый RunState.
func NewRunState(run *domain.Run, resumeNode string) *RunState {
	return &RunState{
		Run:        run,
		ResumeNode: resumeNode,
		AdmittedAt: time.Now(),
		cancel:     func() {},
	}
}

// RunID возвращает ID run.
func (s *RunState) RunID() uuid.UUID {
	return s.Run.ID
}

// TenantID возвращает tenant run.
func (s *RunState) TenantID() uuid.UUID {
	return s.Run.TenantID
}

// IsResume возвращает true для продолжения после WAITING.
func (s *RunState) IsResume() bool {
	return s.ResumeNode != ""
}

// RunStats: снимок загрузки пула.
type RunStats struct {
	Active    int
	PerTenant map[uuid.UUID]int
	Capacity  int
}

// slots: учёт занятых слотов исполнения.
// Вызывающий держит Orchestrator.mu.
type slots struct {
	max       int
	perTenant int
	active    map[uuid.UUID]*RunState
	byTenant  map[uuid.UUID]int
}

func newSlots(max, perTenant int) *slots {
	return &slots{
		max:       max,
		perTenant: perTenant,
		active:    make(map[uuid.UUID]*RunState),
		byTenant:  make(map[uuid.UUID]int),
	}
}

// admit занимает слот для state.
// Run не исполняется параллельно сам с собой: ErrRunAlreadyActive.
func (s *slots) admit(state *RunState) error {
	if _, ok := s.active[state.RunID()]; ok {
		return ErrRunAlreadyActive
	}
	if len(s.active) >= s.max || s.byTenant[state.TenantID()] >= s.perTenant {
		return ErrNoCapacity
	}
	s.active[state.RunID()] = state
	s.byTenant[state.TenantID()]++
	return nil
}

// release освобождает слот run.
func (s *slots) release(runID uuid.UUID) {
	state, ok := s.active[runID]
	if !ok {
		return
	}
	delete(s.active, runID)
	tenant := state.TenantID()
	if s.byTenant[tenant] <= 1 {
		delete(s.byTenant, tenant)
		return
	}
	s.byTenant[tenant]--
}

func (s *slots) stats() RunStats {
	perTenant := make(map[uuid.UUID]int, len(s.byTenant))
	for k, v := range s.byTenant {
		perTenant[k] = v
	}
	return RunStats{Active: len(s.active), PerTenant: perTenant, Capacity: s.max}
}
