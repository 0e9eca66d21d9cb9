package claude

import (
	"encoding/json"
	"fmt"

	sdk "github.com/severity1/claude-agent-sdk-go"

	"github.com/sebastianm/agentmux/internal/session"
)

// mapPermissionMode translates the supervisor's symbolic mode into the
// SDK's enum.
func mapPermissionMode(mode session.PermissionMode) sdk.PermissionMode {
	switch mode {
	case session.PermissionBypass:
		return sdk.PermissionModeBypassPermissions
	case session.PermissionAcceptEdits:
		return sdk.PermissionModeAcceptEdits
	case session.PermissionPlan:
		return sdk.PermissionModePlan
	default:
		return sdk.PermissionModeDefault
	}
}

// mapBlock converts one assistant content block into a buffered message.
// ok is false for block types that produce no output.
func mapBlock(block sdk.ContentBlock) (session.Message, bool) {
	switch b := block.(type) {
	case *sdk.TextBlock:
		if b.Text == "" {
			return session.Message{}, false
		}
		return session.Message{Type: session.MessageText, Content: b.Text}, true

	case *sdk.ThinkingBlock:
		if b.Thinking == "" {
			return session.Message{}, false
		}
		return session.Message{Type: session.MessageThinking, Content: b.Thinking}, true

	case *sdk.ToolUseBlock:
		return session.Message{
			Type:    session.MessageToolUse,
			Content: serializeInput(b.Input),
			Meta:    &session.MessageMeta{Tool: b.Name, UpstreamID: b.ToolUseID},
		}, true

	case *sdk.ToolResultBlock:
		return session.Message{
			Type:    session.MessageToolResult,
			Content: stringifyContent(b.Content),
			Meta:    &session.MessageMeta{UpstreamID: b.ToolUseID},
		}, true

	default:
		return session.Message{}, false
	}
}

func serializeInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}

func stringifyContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(data)
	}
}

// resultContent picks the visible text of a result message.
func resultContent(m *sdk.ResultMessage) string {
	if m.Result != nil && *m.Result != "" {
		return *m.Result
	}
	return m.Subtype
}
