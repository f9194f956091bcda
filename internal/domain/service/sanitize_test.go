package service

import (
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

func TestSanitizeMessages_DropsOrphanedToolMessages(t *testing.T) {
	messages := []entity.Message{
		entity.UserMessage("hi"),
		entity.AssistantMessage("", []entity.ToolCallInfo{{ID: "c1", Name: "lookup"}}),
		entity.ToolMessage("c1", "result"),
		entity.ToolMessage("orphan", "dangling result"),
	}
	out := sanitizeMessages(messages)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3 (orphan dropped)", len(out))
	}
	for _, m := range out {
		if m.Role == entity.RoleTool && m.ToolCallID == "orphan" {
			t.Error("orphaned tool message must be dropped")
		}
	}
}

func TestSanitizeMessages_KeepsMatchedToolMessages(t *testing.T) {
	messages := []entity.Message{
		entity.AssistantMessage("", []entity.ToolCallInfo{{ID: "c1", Name: "lookup"}}),
		entity.ToolMessage("c1", "result"),
	}
	out := sanitizeMessages(messages)
	if len(out) != 2 {
		t.Errorf("len(out) = %d, want 2", len(out))
	}
}

func TestTruncateOutput_LeavesShortOutputUnchanged(t *testing.T) {
	if got := truncateOutput("short", 100); got != "short" {
		t.Errorf("got = %q", got)
	}
}

func TestTruncateOutput_TruncatesLongOutputWithMarker(t *testing.T) {
	long := make([]byte, 50)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateOutput(string(long), 10)
	if len(got) <= 10 {
		t.Errorf("expected truncation marker appended, got %q", got)
	}
	if got[:10] != string(long[:10]) {
		t.Errorf("truncated prefix mismatch: %q", got)
	}
}
