package manager

import (
	"github.com/sebastianm/agentmux/internal/procutil"
	"github.com/sebastianm/agentmux/internal/session"
)

// ReconcileOnStartup partitions the persisted snapshot into sessions whose
// subprocess still runs and sessions that died while the supervisor was
// down. Dead entries are dropped from persistence. Alive entries do not
// re-enter the live registry, since the in-memory provider object cannot
// be rebuilt without re-attaching; they are tracked as detached so an
// explicit resume can pick them up.
func (m *Manager) ReconcileOnStartup() error {
	persisted, err := m.opts.Store.Load()
	if err != nil {
		return session.Wrap(session.KindIO, err, "load persisted sessions")
	}

	dead := make(map[string]struct{})
	alive := 0
	for _, rec := range persisted {
		if rec.PID > 0 && procutil.Alive(rec.PID) {
			m.mu.Lock()
			m.detached[rec.ID] = rec
			m.mu.Unlock()
			alive++
			continue
		}
		dead[rec.ID] = struct{}{}
	}

	if len(dead) > 0 {
		if err := m.opts.Store.RemoveMany(dead); err != nil {
			return session.Wrap(session.KindIO, err, "prune dead sessions")
		}
	}

	m.log.Info("startup reconciliation", "persisted", len(persisted), "alive", alive, "dead", len(dead))
	return nil
}
