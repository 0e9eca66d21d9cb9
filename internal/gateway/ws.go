package gateway

import (
	"net/http"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsEventBuffer  = 64
)

// eventsWebSocket streams every session event to the client as JSON
// frames. A slow client loses the oldest undelivered events rather than
// blocking the publisher.
func (h *Handler) eventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan session.Event, wsEventBuffer)
	unsubscribe := h.mgr.SubscribeEvents(func(ev session.Event) {
		for {
			select {
			case events <- ev:
				return
			default:
			}
			select {
			case <-events:
			default:
			}
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
