package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
)

const drainTimeout = 30 * time.Second

// SwitchMode moves a session between remote and local through the
// drain-switch-resume state machine. The only legal paths are
// running→draining→switching→running and running→draining→switching→error;
// an errored session is removed from the registry.
func (m *Manager) SwitchMode(ctx context.Context, sessionID string, target session.Mode, callerID string) error {
	if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.Unlock()
		return session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	if e.rec.Mode == target {
		m.mu.Unlock()
		return nil
	}
	if e.switchState != session.SwitchRunning {
		m.mu.Unlock()
		return session.Errf(session.KindInvalidState, "session %s is %s", sessionID, e.switchState)
	}
	e.switchState = session.SwitchDraining
	sess := e.sess
	providerName := e.rec.Provider
	cwd := e.rec.Cwd
	m.mu.Unlock()

	m.emitSwitchEvent(sessionID, session.SeverityInfo, fmt.Sprintf("Draining session for switch to %s", target))

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	err := sess.SwitchMode(drainCtx, target)
	cancel()
	if err != nil {
		// Drain failure is a warning, not a dead end: the old process is
		// about to be stopped anyway.
		m.emitSwitchEvent(sessionID, session.SeverityWarning, fmt.Sprintf("Drain did not complete: %v", err))
	}

	m.setSwitchState(sessionID, session.SwitchSwitching)
	m.emitSwitchEvent(sessionID, session.SeverityInfo, "Switching session process")

	if err := sess.Stop(ctx, false); err != nil {
		m.log.Warn("stop during switch", "session", sessionID, "error", err)
	}

	m.mu.RLock()
	p, hasProvider := m.providers[providerName]
	m.mu.RUnlock()

	var newSess session.ProviderSession
	if hasProvider {
		newSess, err = p.Resume(ctx, sessionID, session.SpawnOptions{Cwd: cwd, Mode: target})
	} else {
		err = session.Errf(session.KindUnknownProvider, "unknown provider %q", providerName)
	}
	if err != nil {
		m.setSwitchState(sessionID, session.SwitchError)
		m.emitSwitchEvent(sessionID, session.SeverityUrgent, fmt.Sprintf("Mode switch failed: %v", err))
		m.cleanup(sessionID)
		return session.Wrap(session.KindInvalidState, err, "switch session %s to %s", sessionID, target)
	}

	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		e.sess = newSess
		e.rec.Mode = target
		e.rec.PID = newSess.PID()
		e.switchState = session.SwitchRunning
	}
	m.mu.Unlock()
	m.attachListeners(sessionID, newSess)

	m.mu.RLock()
	rec := m.entries[sessionID].rec
	m.mu.RUnlock()
	if err := m.opts.Store.Update(sessionID, persistedFrom(rec)); err != nil {
		m.log.Warn("persist mode switch", "session", sessionID, "error", err)
	}

	m.emitSwitchEvent(sessionID, session.SeverityInfo, fmt.Sprintf("Session running in %s mode", target))
	return nil
}

func (m *Manager) setSwitchState(sessionID string, state session.SwitchState) {
	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		e.switchState = state
	}
	m.mu.Unlock()
}

// emitSwitchEvent publishes switch progress. Urgent failures go out as
// error events so immediate-delivery subscribers see them; everything else
// rides the status feed.
func (m *Manager) emitSwitchEvent(sessionID string, sev session.Severity, summary string) {
	typ := session.EventReady
	if sev == session.SeverityUrgent {
		typ = session.EventError
	}
	m.bus.publishEvent(session.Event{
		Type:      typ,
		Severity:  sev,
		Summary:   summary,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}

// RetryResumeOptions tune the backoff loop.
type RetryResumeOptions struct {
	MaxRetries int           // default 3
	BaseDelay  time.Duration // default 1s; retry n waits base*2^(n-1)
}

// RetryResume resumes a session with exponential backoff. Each attempt
// emits an info event; exhaustion emits an urgent one and returns the last
// error.
func (m *Manager) RetryResume(ctx context.Context, sessionID string, opts RetryResumeOptions, callerID string) (session.Record, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.BaseDelay * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return session.Record{}, session.Wrap(session.KindTimeout, ctx.Err(), "retry resume %s", sessionID)
			}
		}

		m.emitSwitchEvent(sessionID, session.SeverityInfo,
			fmt.Sprintf("Resume attempt %d/%d", attempt+1, opts.MaxRetries))

		rec, err := m.Resume(ctx, sessionID, session.SpawnOptions{}, callerID)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		m.log.Warn("resume attempt failed", "session", sessionID, "attempt", attempt+1, "error", err)
	}

	m.emitSwitchEvent(sessionID, session.SeverityUrgent,
		fmt.Sprintf("Resume failed after %d attempts: %v", opts.MaxRetries, lastErr))
	return session.Record{}, lastErr
}
