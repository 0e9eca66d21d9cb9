package manager

import (
	"context"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
)

const (
	defaultReadLimit = 50

	defaultWaitTimeout = 30 * time.Second
	minWaitTimeout     = time.Second
	maxWaitTimeout     = 120 * time.Second
)

// ReadMessages returns the buffer slice [cursor, cursor+limit) with
// redaction applied, plus the next cursor. Cursors are monotonic indices
// into the append-only buffer.
func (m *Manager) ReadMessages(sessionID string, cursor, limit int, callerID string) ([]session.Message, int, error) {
	if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
		return nil, 0, err
	}
	return m.readSlice(sessionID, cursor, limit)
}

func (m *Manager) readSlice(sessionID string, cursor, limit int) ([]session.Message, int, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if cursor < 0 {
		cursor = 0
	}

	m.mu.RLock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.RUnlock()
		return nil, 0, session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	end := len(e.buffer)
	if cursor+limit < end {
		end = cursor + limit
	}
	start := cursor
	if start > end {
		start = end
	}
	out := make([]session.Message, end-start)
	copy(out, e.buffer[start:end])
	m.mu.RUnlock()

	for i := range out {
		out[i].Content = m.redactor.Redact(out[i].Content)
	}
	return out, end, nil
}

// WaitForMessages is the blocking read: it returns as soon as the buffer
// grows past cursor, the session ends, or the timeout fires, whichever
// happens first. timedOut is true only for the timer.
func (m *Manager) WaitForMessages(ctx context.Context, sessionID string, cursor, limit int, timeout time.Duration, callerID string) (msgs []session.Message, nextCursor int, timedOut bool, err error) {
	if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
		return nil, 0, false, err
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if timeout < minWaitTimeout {
		timeout = minWaitTimeout
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	arrived := make(chan struct{}, 1)
	ended := make(chan struct{}, 1)

	// Subscribe before the first buffer read: a message that lands between
	// the read and the subscription would otherwise wake nobody and the
	// wait would run out its full timeout.
	unsubMsg := m.bus.subscribeMessages(func(sid string, _ session.Message) {
		if sid != sessionID {
			return
		}
		select {
		case arrived <- struct{}{}:
		default:
		}
	})
	defer unsubMsg()

	unsubEnd := m.bus.subscribeSessionEnd(func(sid string) {
		if sid != sessionID {
			return
		}
		select {
		case ended <- struct{}{}:
		default:
		}
	})
	defer unsubEnd()

	msgs, nextCursor, err = m.readSlice(sessionID, cursor, limit)
	if err != nil {
		return nil, 0, false, err
	}
	if len(msgs) > 0 {
		return msgs, nextCursor, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-arrived:
			// Re-read through the buffer path so redaction and cursor
			// semantics match the non-blocking read.
			msgs, nextCursor, err = m.readSlice(sessionID, cursor, limit)
			if err != nil || len(msgs) > 0 {
				return msgs, nextCursor, false, err
			}
			// Notification for data the first read already covered; keep
			// waiting for the rest of the window.
		case <-ended:
			return nil, cursor, false, nil
		case <-timer.C:
			// Last look before reporting a timeout, in case the final
			// wakeup lost the race with the timer.
			msgs, nextCursor, err = m.readSlice(sessionID, cursor, limit)
			if err != nil || len(msgs) > 0 {
				return msgs, nextCursor, false, err
			}
			return nil, cursor, true, nil
		case <-ctx.Done():
			return nil, cursor, false, session.Wrap(session.KindTimeout, ctx.Err(), "wait for messages")
		}
	}
}
