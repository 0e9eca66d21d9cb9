// Package session defines the shared vocabulary of the supervisor: the
// message and event shapes emitted by provider sessions, the capability
// set every provider implements, and the error taxonomy surfaced to callers.
package session

import "time"

// Mode selects how a session runs: remote (structured stream driven by the
// supervisor) or local (inherits a terminal on the host).
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// PermissionMode is the caller-facing symbolic execution policy. Each
// provider maps it onto its own approval/sandbox knobs.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionBypass      PermissionMode = "bypassPermissions"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
)

// MessageType classifies a buffered session message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageCode       MessageType = "code"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageThinking   MessageType = "thinking"
	MessageError      MessageType = "error"
	MessageResult     MessageType = "result"
)

// MessageMeta carries optional per-message detail.
type MessageMeta struct {
	Tool     string `json:"tool,omitempty"`
	File     string `json:"file,omitempty"`
	Language string `json:"language,omitempty"`
	// UpstreamID correlates tool_use/tool_result pairs with the upstream
	// protocol's call id.
	UpstreamID string `json:"upstreamId,omitempty"`
}

// Message is one entry in a session's append-only message buffer.
type Message struct {
	Type      MessageType  `json:"type"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Meta      *MessageMeta `json:"metadata,omitempty"`
}

// EventType classifies out-of-band session events.
type EventType string

const (
	EventPermissionRequest EventType = "permission_request"
	EventError             EventType = "error"
	EventWaitingForInput   EventType = "waiting_for_input"
	EventTaskComplete      EventType = "task_complete"
	EventReady             EventType = "ready"
)

// Severity grades an event for downstream routing.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityUrgent  Severity = "urgent"
)

// PermissionDetail describes an interactive approval demand.
type PermissionDetail struct {
	RequestID      string         `json:"requestId"`
	ToolName       string         `json:"toolName"`
	Input          map[string]any `json:"input,omitempty"`
	DecisionReason string         `json:"decisionReason,omitempty"`
	Command        string         `json:"command,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
}

// Event is an out-of-band notification emitted by a session.
type Event struct {
	Type       EventType         `json:"type"`
	Severity   Severity          `json:"severity"`
	Summary    string            `json:"summary"`
	SessionID  string            `json:"sessionId"`
	Timestamp  time.Time         `json:"timestamp"`
	Permission *PermissionDetail `json:"permissionDetail,omitempty"`
}

// SwitchState is the mode-switch state machine position of a session.
type SwitchState string

const (
	SwitchRunning   SwitchState = "running"
	SwitchDraining  SwitchState = "draining"
	SwitchSwitching SwitchState = "switching"
	SwitchError     SwitchState = "error"
)

// Record is the caller-visible snapshot of a live session.
type Record struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Cwd       string    `json:"cwd"`
	PID       int       `json:"pid"`
	Mode      Mode      `json:"mode"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}
