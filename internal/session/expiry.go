package session

import (
	"context"
	"time"
)

const defaultSweepInterval = time.Minute

// RunExpiryWorker periodically submits simulations whose time ran out
// without a live engine, and reaps submitted engines. It returns when ctx
// is done.
func (m *Manager) RunExpiryWorker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("Expiry worker started", "interval", interval, "session_duration", m.opts.Engine.SessionDuration)

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			m.logger.Info("Expiry worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one expiry pass and returns the number of simulations it
// submitted.
func (m *Manager) Sweep(ctx context.Context) int {
	if n := m.Reap(); n > 0 {
		m.logger.Info("Expiry worker reaped submitted engines", "count", n)
	}

	expired, err := m.repo.GetExpiredSimulations(ctx, m.opts.Engine.SessionDuration)
	if err != nil {
		m.logger.Error("Expiry worker failed to get expired simulations", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	m.logger.Info("Expiry worker found expired simulations", "count", len(expired))

	submitted := 0
	for _, sim := range expired {
		// Live engines submit themselves when their clock runs out.
		m.startMu.Lock()
		_, live := m.lookup(sim.ID, "")
		var err error
		if !live {
			err = m.expire(ctx, sim)
		}
		m.startMu.Unlock()
		if live {
			continue
		}
		if err != nil {
			m.logger.Warn("Expiry worker failed to submit simulation",
				"simulation_id", sim.ID,
				"error", err)
			continue
		}
		submitted++
	}

	m.logger.Info("Expiry worker sweep completed", "submitted", submitted)
	return submitted
}
