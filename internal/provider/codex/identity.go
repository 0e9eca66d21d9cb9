package codex

import "encoding/json"

var sessionIDKeys = []string{"threadId", "thread_id", "sessionId", "session_id"}
var conversationIDKeys = []string{"conversationId", "conversation_id"}

// extractIdentity digs a session id and conversation id out of an arbitrary
// app-server payload. Different server builds put the ids in different
// places, so every plausible container is inspected: the object root, a
// "meta" object, each element of a "content" array, and a nested "data"
// object inside any of those. Empty strings mean not found.
func extractIdentity(raw json.RawMessage) (sessionID, conversationID string) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return "", ""
	}
	return identityFromMap(root)
}

func identityFromMap(root map[string]any) (sessionID, conversationID string) {
	containers := []map[string]any{root}
	if meta, ok := root["meta"].(map[string]any); ok {
		containers = append(containers, meta)
	}
	if content, ok := root["content"].([]any); ok {
		for _, item := range content {
			if m, ok := item.(map[string]any); ok {
				containers = append(containers, m)
			}
		}
	}
	// Each container may bury the ids one level deeper under "data".
	for _, c := range containers {
		if data, ok := c["data"].(map[string]any); ok {
			containers = append(containers, data)
		}
	}

	for _, c := range containers {
		if sessionID == "" {
			sessionID = firstString(c, sessionIDKeys)
		}
		if conversationID == "" {
			conversationID = firstString(c, conversationIDKeys)
		}
		if sessionID != "" && conversationID != "" {
			break
		}
	}
	return sessionID, conversationID
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
