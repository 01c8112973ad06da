package session

import (
	"strings"

	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/provider"
)

const prunedPlaceholder = "[tool output pruned to save context]"

// assemble converts the session log into the provider message list. Messages
// before the most recent summary anchor are replaced by the summary itself;
// pruned tool outputs are elided; tool parts stuck in running (from a prior
// crash) surface as interrupted errors without being rewritten on disk.
func assemble(msgs []message.WithParts) []provider.Message {
	anchor := -1
	for i, msg := range msgs {
		if msg.Info.Role == message.RoleAssistant && msg.Info.Summary {
			anchor = i
		}
	}
	if anchor >= 0 {
		msgs = msgs[anchor:]
	}

	var out []provider.Message
	for _, msg := range msgs {
		switch msg.Info.Role {
		case message.RoleUser:
			text := collectText(msg.Parts)
			if text == "" {
				continue
			}
			out = append(out, provider.Message{Role: "user", Content: text})

		case message.RoleAssistant:
			assistant := provider.Message{Role: "assistant", Content: collectText(msg.Parts)}
			var results []provider.Message
			for _, part := range msg.Parts {
				if part.Type != message.PartTool || part.State == nil {
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, provider.ToolCall{
					ID:    part.CallID,
					Name:  part.Tool,
					Input: part.State.Input,
				})
				results = append(results, toolResult(part))
			}
			if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
				continue
			}
			out = append(out, assistant)
			out = append(out, results...)
		}
	}
	return out
}

func collectText(parts []message.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type != message.PartText || part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func toolResult(part message.Part) provider.Message {
	msg := provider.Message{Role: "tool", ToolCallID: part.CallID}
	switch part.State.Status {
	case message.ToolCompleted:
		if part.State.Compacted != 0 {
			msg.Content = prunedPlaceholder
		} else {
			msg.Content = part.State.Output
		}
	case message.ToolError:
		msg.Content = part.State.Error
		msg.IsError = true
	default:
		// pending or running from an interrupted process
		msg.Content = "interrupted"
		msg.IsError = true
	}
	return msg
}
