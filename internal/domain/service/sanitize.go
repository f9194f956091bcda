package service

import (
	"fmt"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// maxToolResultChars bounds how much of a single tool result is kept in the
// context sent to the provider; long outputs are truncated with a marker so
// the model still sees that more was cut.
const maxToolResultChars = 8000

// truncateOutput bounds s to max characters, appending a marker noting how
// many characters were dropped.
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... [truncated %d characters]", s[:max], len(s)-max)
}

// sanitizeMessages drops orphaned tool-role messages — ones whose
// ToolCallID does not match any ToolCallInfo.ID declared by a preceding
// assistant message — before a message list is replayed to a provider.
// Some providers reject a tool message with no matching call, which can
// occur after a session is loaded from a truncated or externally-edited
// history.
func sanitizeMessages(messages []entity.Message) []entity.Message {
	known := map[string]bool{}
	out := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == entity.RoleAssistant {
			for _, tc := range m.ToolCalls {
				known[tc.ID] = true
			}
			out = append(out, m)
			continue
		}
		if m.Role == entity.RoleTool && !known[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
