package sessions

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper runs the periodic maintenance loop until ctx is
// cancelled: evicts expired event records, marks inactive sessions
// idle, and drops sessions past the grace window.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.opts.SweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Sweep performs one maintenance pass. Exposed for tests.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.events {
		if now.Sub(rec.seenAt) >= m.opts.DedupWindow {
			delete(m.events, id)
		}
	}

	var evicted int
	for keyStr, s := range m.sessions {
		// Processing sessions never idle out from under their task.
		if s.Status == StatusProcessing {
			continue
		}
		inactive := now.Sub(s.LastActiveAt)
		if inactive < m.opts.IdleTimeout {
			continue
		}
		if inactive < m.opts.IdleTimeout+m.opts.IdleGrace {
			if s.Status != StatusIdle {
				s.Status = StatusIdle
			}
			continue
		}
		m.deleteLocked(keyStr)
		evicted++
	}
	if evicted > 0 {
		slog.Debug("session sweep evicted idle sessions", "count", evicted)
	}
}
