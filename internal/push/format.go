package push

import (
	"fmt"
	"strings"

	"github.com/sebastianm/agentmux/internal/session"
)

// TextFormatter is the built-in plain-text renderer.
type TextFormatter struct{}

func (TextFormatter) FormatMessages(msgs []session.Message, maxLen int) []string {
	var lines []string
	for _, m := range msgs {
		if line := formatMessage(m); line != "" {
			lines = append(lines, line)
		}
	}
	return chunkLines(lines, maxLen)
}

func formatMessage(m session.Message) string {
	switch m.Type {
	case session.MessageText, session.MessageResult:
		return m.Content
	case session.MessageThinking:
		return "" // internal reasoning stays off the chat surface
	case session.MessageToolUse:
		tool := "tool"
		if m.Meta != nil && m.Meta.Tool != "" {
			tool = m.Meta.Tool
		}
		return fmt.Sprintf("[%s] %s", tool, truncate(m.Content, 200))
	case session.MessageToolResult:
		return "  -> " + truncate(m.Content, 200)
	case session.MessageError:
		return "error: " + m.Content
	default:
		return m.Content
	}
}

func (TextFormatter) FormatEvent(ev session.Event) string {
	switch ev.Type {
	case session.EventPermissionRequest:
		if ev.Permission != nil {
			detail := ev.Permission.Command
			if detail == "" {
				detail = ev.Permission.ToolName
			}
			return fmt.Sprintf("Permission needed (%s): %s [request %s]",
				ev.Permission.ToolName, detail, ev.Permission.RequestID)
		}
		return "Permission needed: " + ev.Summary
	case session.EventTaskComplete:
		return "Done: " + ev.Summary
	case session.EventError:
		return "Error: " + ev.Summary
	default:
		return ev.Summary
	}
}

// chunkLines joins lines into chunks no longer than maxLen, splitting
// oversized single lines hard.
func chunkLines(lines []string, maxLen int) []string {
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range lines {
		for len(line) > maxLen {
			flush()
			chunks = append(chunks, line[:maxLen])
			line = line[maxLen:]
		}
		if line == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(line) > maxLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
