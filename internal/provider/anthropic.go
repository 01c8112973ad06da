package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// Anthropic adapts the Anthropic Messages streaming API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic builds the adapter. baseURL is optional.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

func (a *Anthropic) ID() string { return "anthropic" }

func (a *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = 8192
	}
	for _, block := range req.System {
		params.System = append(params.System, anthropic.TextBlockParam{Text: block})
	}
	for _, tool := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := tool.Schema["properties"]; ok {
			schema.Properties = props
		}
		if required, ok := tool.Schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: schema,
		}})
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	var opts []option.RequestOption
	for k, v := range req.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	stream := a.client.Messages.NewStreaming(ctx, params, opts...)
	return &anthropicStream{stream: stream, usage: &Usage{}}, nil
}

// buildAnthropicMessages converts the neutral message list, merging
// consecutive same-role entries: the Messages API requires alternating
// user/assistant roles, and tool results arrive as user-role blocks.
func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		role := anthropic.MessageParamRoleUser
		if msg.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}

		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case "tool":
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any = tc.Input
				if tc.Input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		if len(out) > 0 && out[len(out)-1].Role == role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, content...)
		} else {
			out = append(out, anthropic.MessageParam{Role: role, Content: content})
		}
	}
	return out
}

// anthropicStream translates SDK events into provider events. Tool input
// streams as JSON fragments; the complete tool-call event is emitted at the
// block boundary once the input parses.
type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	usage        *Usage
	finishReason string

	// Per-block accumulation.
	blockType string
	callID    string
	toolName  string
	inputJSON strings.Builder
	textOpen  bool

	queued []Event
	done   bool
}

func (s *anthropicStream) Recv() (Event, error) {
	for {
		if len(s.queued) > 0 {
			ev := s.queued[0]
			s.queued = s.queued[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return Event{}, classifyAnthropicError(err)
			}
			// Stream closed without message_stop; still account the step.
			return Event{Type: EventStepFinish, Usage: s.usage, FinishReason: s.finishReason}, nil
		}
		s.handle(s.stream.Current())
	}
}

func (s *anthropicStream) handle(event anthropic.MessageStreamEventUnion) {
	switch e := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.usage.Input = e.Message.Usage.InputTokens
		s.usage.CacheRead = e.Message.Usage.CacheReadInputTokens
		s.usage.CacheWrite = e.Message.Usage.CacheCreationInputTokens

	case anthropic.ContentBlockStartEvent:
		switch block := e.ContentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			s.blockType = "text"
			s.textOpen = true
			if block.Text != "" {
				s.queued = append(s.queued, Event{Type: EventTextDelta, Text: block.Text})
			}
		case anthropic.ToolUseBlock:
			s.blockType = "tool_use"
			s.callID = block.ID
			s.toolName = block.Name
			s.inputJSON.Reset()
			s.queued = append(s.queued, Event{
				Type:     EventToolInputStart,
				CallID:   block.ID,
				ToolName: block.Name,
			})
		default:
			s.blockType = ""
		}

	case anthropic.ContentBlockDeltaEvent:
		switch delta := e.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			s.queued = append(s.queued, Event{Type: EventTextDelta, Text: delta.Text})
		case anthropic.ThinkingDelta:
			s.usage.Reasoning += int64(len(delta.Thinking) / 4)
		case anthropic.InputJSONDelta:
			s.inputJSON.WriteString(delta.PartialJSON)
			s.queued = append(s.queued, Event{
				Type:       EventToolInputDelta,
				CallID:     s.callID,
				ToolName:   s.toolName,
				InputDelta: delta.PartialJSON,
			})
		}

	case anthropic.ContentBlockStopEvent:
		switch s.blockType {
		case "text":
			if s.textOpen {
				s.textOpen = false
				s.queued = append(s.queued, Event{Type: EventTextEnd})
			}
		case "tool_use":
			input := map[string]any{}
			if raw := s.inputJSON.String(); raw != "" {
				_ = json.Unmarshal([]byte(raw), &input)
			}
			s.queued = append(s.queued, Event{
				Type:     EventToolCall,
				CallID:   s.callID,
				ToolName: s.toolName,
				Input:    input,
			})
		}
		s.blockType = ""

	case anthropic.MessageDeltaEvent:
		s.usage.Output = e.Usage.OutputTokens
		s.finishReason = string(e.Delta.StopReason)

	case anthropic.MessageStopEvent:
		s.done = true
		s.queued = append(s.queued, Event{
			Type:         EventStepFinish,
			Usage:        s.usage,
			FinishReason: s.finishReason,
		})
	}
}

func (s *anthropicStream) Close() error {
	if s.stream != nil {
		return s.stream.Close()
	}
	return nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &APIError{
			Provider: "anthropic",
			Status:   apiErr.StatusCode,
			Message:  apiErr.Error(),
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &APIError{Provider: "anthropic", Message: err.Error()}
}
