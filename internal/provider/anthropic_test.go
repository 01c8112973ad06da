package provider

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestBuildAnthropicMessagesMergesRoles(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "run ls"},
		{Role: "assistant", Content: "running", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "bash", Input: map[string]any{"command": "ls"}},
		}},
		{Role: "tool", ToolCallID: "call_1", Content: "file.txt"},
		{Role: "user", Content: "thanks"},
	}

	out := buildAnthropicMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("msg 0 role = %v", out[0].Role)
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("msg 1 role = %v", out[1].Role)
	}
	if len(out[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want text + tool_use", len(out[1].Content))
	}
	// Tool result and the following user text merge into one user message.
	if out[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("msg 2 role = %v", out[2].Role)
	}
	if len(out[2].Content) != 2 {
		t.Errorf("merged user blocks = %d, want 2", len(out[2].Content))
	}
}

func TestBuildAnthropicMessagesSkipsEmpty(t *testing.T) {
	out := buildAnthropicMessages([]Message{
		{Role: "assistant", Content: ""},
		{Role: "user", Content: "hello"},
	})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("role = %v", out[0].Role)
	}
}
