package codex

import "github.com/sebastianm/agentmux/internal/session"

// execPolicy is the app-server's pair of execution knobs: when to ask for
// approval, and how wide the filesystem sandbox opens.
type execPolicy struct {
	ApprovalPolicy string
	Sandbox        string
}

// policyFor maps the caller-facing symbolic permission mode onto the
// app-server's approval/sandbox pair. Unknown modes get the default pair.
func policyFor(mode session.PermissionMode) execPolicy {
	switch mode {
	case session.PermissionBypass:
		return execPolicy{ApprovalPolicy: "never", Sandbox: "full-access"}
	case session.PermissionAcceptEdits:
		return execPolicy{ApprovalPolicy: "on-request", Sandbox: "workspace-write"}
	case session.PermissionPlan:
		return execPolicy{ApprovalPolicy: "untrusted", Sandbox: "read-only"}
	default:
		return execPolicy{ApprovalPolicy: "untrusted", Sandbox: "workspace-write"}
	}
}
