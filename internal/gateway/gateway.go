// Package gateway exposes the supervisor's tool surface over HTTP: nine
// session operations plus a websocket event feed. Callers identify
// themselves with the X-Agentmux-User and X-Agentmux-Channel headers; the
// user id is the owner id the manager's ACL checks against.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sebastianm/agentmux/internal/manager"
	"github.com/sebastianm/agentmux/internal/session"
)

const (
	headerUser    = "X-Agentmux-User"
	headerChannel = "X-Agentmux-Channel"
)

// Caller identifies the remote principal behind a request.
type Caller struct {
	UserID    string
	ChannelID string
}

// CommandParser gets first refusal on every send input. When it reports
// handled, the session is not called and its response goes back verbatim.
type CommandParser interface {
	Parse(ctx context.Context, caller Caller, sessionID, input string) (handled bool, response string, err error)
}

// NopParser never handles anything.
type NopParser struct{}

func (NopParser) Parse(context.Context, Caller, string, string) (bool, string, error) {
	return false, "", nil
}

// Handler serves the tool surface.
type Handler struct {
	log      *slog.Logger
	mgr      *manager.Manager
	parser   CommandParser
	upgrader websocket.Upgrader
}

func NewHandler(log *slog.Logger, mgr *manager.Manager, parser CommandParser) *Handler {
	if parser == nil {
		parser = NopParser{}
	}
	return &Handler{
		log:    log,
		mgr:    mgr,
		parser: parser,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/sessions", h.listSessions)
	r.Post("/v1/sessions", h.spawnSession)
	r.Post("/v1/sessions/{id}/resume", h.resumeSession)
	r.Post("/v1/sessions/{id}/send", h.sendInput)
	r.Get("/v1/sessions/{id}/messages", h.readMessages)
	r.Post("/v1/sessions/{id}/respond", h.respondPermission)
	r.Post("/v1/sessions/{id}/switch", h.switchMode)
	r.Post("/v1/sessions/{id}/stop", h.stopSession)
	r.Get("/v1/sessions/{id}/summary", h.sessionSummary)
	r.Get("/v1/events", h.eventsWebSocket)
	return r
}

func callerFrom(r *http.Request) Caller {
	return Caller{
		UserID:    r.Header.Get(headerUser),
		ChannelID: r.Header.Get(headerChannel),
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var kind session.ErrorKind
	var se *session.Error
	if errors.As(err, &se) {
		kind = se.Kind
		switch se.Kind {
		case session.KindNotFound:
			status = http.StatusNotFound
		case session.KindAccessDenied, session.KindCwdDenied:
			status = http.StatusForbidden
		case session.KindAdmissionDenied:
			status = http.StatusTooManyRequests
		case session.KindUnknownProvider:
			status = http.StatusBadRequest
		case session.KindBusy, session.KindInvalidState, session.KindNotReady, session.KindQueueEnded:
			status = http.StatusConflict
		case session.KindTimeout, session.KindPermissionTimeout:
			status = http.StatusGatewayTimeout
		case session.KindTransport, session.KindRPC, session.KindProcessExit, session.KindIO:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return session.Wrap(session.KindInvalidState, err, "invalid request body")
	}
	return nil
}
