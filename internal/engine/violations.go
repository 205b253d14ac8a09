package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/simroom/internal/domain"
)

// ViolationRecorder persists violations.
type ViolationRecorder interface {
	SaveViolation(ctx context.Context, v domain.Violation) error
}

// ViolationMonitor counts proctoring violations for a session. Counting
// never depends on persistence: a failed save is logged and the count stands.
type ViolationMonitor struct {
	simulationID string
	recorder     ViolationRecorder
	timeout      time.Duration
	newID        func() string
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	total  int
	byKind map[string]int

	wg sync.WaitGroup
}

// NewViolationMonitor creates a monitor. recorder may be nil.
func NewViolationMonitor(simulationID string, recorder ViolationRecorder, timeout time.Duration, newID func() string, now func() time.Time, logger *slog.Logger) *ViolationMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ViolationMonitor{
		simulationID: simulationID,
		recorder:     recorder,
		timeout:      timeout,
		newID:        newID,
		now:          now,
		logger:       logger,
		byKind:       make(map[string]int),
	}
}

// Record counts one violation of kind and returns the new total. The kind
// is not validated.
func (m *ViolationMonitor) Record(kind string) int {
	v := domain.Violation{
		SimulationID: m.simulationID,
		Kind:         kind,
		OccurredAt:   m.now(),
	}
	if m.newID != nil {
		v.ID = m.newID()
	}

	m.mu.Lock()
	m.total++
	m.byKind[kind]++
	total := m.total
	m.mu.Unlock()

	if m.recorder != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			if err := m.recorder.SaveViolation(ctx, v); err != nil {
				m.logger.Warn("Failed to persist violation",
					"simulation_id", m.simulationID,
					"violation_type", kind,
					"error", err)
			}
		}()
	}
	return total
}

// Count returns the total number of violations recorded.
func (m *ViolationMonitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// CountByKind returns a copy of the per-kind counters.
func (m *ViolationMonitor) CountByKind() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.byKind))
	for k, n := range m.byKind {
		out[k] = n
	}
	return out
}

func (m *ViolationMonitor) restore(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total > m.total {
		m.total = total
	}
}

// Wait blocks until pending saves finish.
func (m *ViolationMonitor) Wait() {
	m.wg.Wait()
}
