package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sebastianm/agentmux/internal/manager"
	"github.com/sebastianm/agentmux/internal/session"
)

type sessionResponse struct {
	ID        string       `json:"id"`
	Provider  string       `json:"provider"`
	Cwd       string       `json:"cwd"`
	PID       int          `json:"pid"`
	Mode      session.Mode `json:"mode"`
	OwnerID   string       `json:"ownerId"`
	CreatedAt time.Time    `json:"createdAt"`
}

func toResponse(rec session.Record) sessionResponse {
	return sessionResponse{
		ID:        rec.ID,
		Provider:  rec.Provider,
		Cwd:       rec.Cwd,
		PID:       rec.PID,
		Mode:      rec.Mode,
		OwnerID:   rec.OwnerID,
		CreatedAt: rec.CreatedAt,
	}
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	recs := h.mgr.List(manager.ListFilter{
		Cwd:      r.URL.Query().Get("cwd"),
		Provider: r.URL.Query().Get("provider"),
	})
	out := make([]sessionResponse, len(recs))
	for i, rec := range recs {
		out[i] = toResponse(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type spawnRequest struct {
	Provider       string `json:"provider"`
	Cwd            string `json:"cwd"`
	Task           string `json:"task"`
	Mode           string `json:"mode"`
	PermissionMode string `json:"permissionMode"`
	Model          string `json:"model"`
}

func (h *Handler) spawnSession(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Provider == "" || req.Cwd == "" || req.Task == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "provider, cwd and task are required"})
		return
	}

	caller := callerFrom(r)
	rec, err := h.mgr.Spawn(r.Context(), req.Provider, session.SpawnOptions{
		Cwd:            req.Cwd,
		Task:           req.Task,
		Mode:           session.Mode(req.Mode),
		PermissionMode: session.PermissionMode(req.PermissionMode),
		Model:          req.Model,
	}, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(rec))
}

type resumeRequest struct {
	Task           string `json:"task"`
	Mode           string `json:"mode"`
	PermissionMode string `json:"permissionMode"`
	Model          string `json:"model"`
}

func (h *Handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	caller := callerFrom(r)
	rec, err := h.mgr.Resume(r.Context(), chi.URLParam(r, "id"), session.SpawnOptions{
		Task:           req.Task,
		Mode:           session.Mode(req.Mode),
		PermissionMode: session.PermissionMode(req.PermissionMode),
		Model:          req.Model,
	}, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

type sendRequest struct {
	Input string `json:"input"`
}

type sendResponse struct {
	Handled  bool   `json:"handled"`
	Response string `json:"response,omitempty"`
}

func (h *Handler) sendInput(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "id")
	caller := callerFrom(r)

	// Slash commands and the like are intercepted before the session
	// sees the input.
	handled, response, err := h.parser.Parse(r.Context(), caller, sessionID, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	if handled {
		writeJSON(w, http.StatusOK, sendResponse{Handled: true, Response: response})
		return
	}

	if err := h.mgr.Send(r.Context(), sessionID, req.Input, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Handled: false})
}

type readResponse struct {
	MessageCount int               `json:"messageCount"`
	NextCursor   string            `json:"nextCursor"`
	Output       []session.Message `json:"output"`
	TimedOut     bool              `json:"timedOut,omitempty"`
}

func (h *Handler) readMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	caller := callerFrom(r)
	q := r.URL.Query()

	cursor, _ := strconv.Atoi(q.Get("cursor"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	wait, _ := strconv.ParseBool(q.Get("wait"))

	var msgs []session.Message
	var next int
	var timedOut bool
	var err error
	if wait {
		timeoutMs, _ := strconv.Atoi(q.Get("timeout"))
		msgs, next, timedOut, err = h.mgr.WaitForMessages(r.Context(), sessionID, cursor, limit,
			time.Duration(timeoutMs)*time.Millisecond, caller.UserID)
	} else {
		msgs, next, err = h.mgr.ReadMessages(sessionID, cursor, limit, caller.UserID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	writeJSON(w, http.StatusOK, readResponse{
		MessageCount: len(msgs),
		NextCursor:   strconv.Itoa(next),
		Output:       msgs,
		TimedOut:     timedOut,
	})
}

type respondRequest struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
}

func (h *Handler) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !h.decode(w, r, &req) {
		return
	}
	caller := callerFrom(r)
	sessionID := chi.URLParam(r, "id")
	if err := h.mgr.RespondToPermission(r.Context(), sessionID, req.RequestID, req.Approved, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	verdict := "denied"
	if req.Approved {
		verdict = "approved"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Permission " + verdict})
}

type switchRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) switchMode(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !h.decode(w, r, &req) {
		return
	}
	target := session.Mode(req.Mode)
	if target != session.ModeRemote && target != session.ModeLocal {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "mode must be remote or local"})
		return
	}
	caller := callerFrom(r)
	sessionID := chi.URLParam(r, "id")
	if err := h.mgr.SwitchMode(r.Context(), sessionID, target, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Switched to " + req.Mode + " mode"})
}

type stopRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !h.decode(w, r, &req) {
		return
	}
	caller := callerFrom(r)
	sessionID := chi.URLParam(r, "id")
	if err := h.mgr.Stop(r.Context(), sessionID, req.Force, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session stopped"})
}

type summaryResponse struct {
	ID           string              `json:"id"`
	Provider     string              `json:"provider"`
	Mode         session.Mode        `json:"mode"`
	SwitchState  session.SwitchState `json:"switchState"`
	MessageCount int                 `json:"messageCount"`
	Counts       map[string]int      `json:"counts"`
	LastActivity time.Time           `json:"lastActivity"`
}

func (h *Handler) sessionSummary(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	caller := callerFrom(r)

	rec, err := h.mgr.Get(sessionID, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Pull the whole buffer to aggregate; redaction does not change counts.
	msgs, _, err := h.mgr.ReadMessages(sessionID, 0, 1<<30, caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	counts := make(map[string]int)
	for _, m := range msgs {
		counts[string(m.Type)]++
	}

	state, _ := h.mgr.GetSwitchState(sessionID)
	last, _ := h.mgr.GetLastActivity(sessionID)

	writeJSON(w, http.StatusOK, summaryResponse{
		ID:           rec.ID,
		Provider:     rec.Provider,
		Mode:         rec.Mode,
		SwitchState:  state,
		MessageCount: len(msgs),
		Counts:       counts,
		LastActivity: last,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(r, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}
