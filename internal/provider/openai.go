package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAI speaks the chat completions SSE protocol. It also covers
// OpenAI-compatible endpoints when a custom base URL is configured.
type OpenAI struct {
	apiKey  string
	apiBase string
	client  *http.Client
}

func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAI) ID() string { return "openai" }

func (p *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	body := p.buildRequestBody(req)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &APIError{Provider: "openai", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{
			Provider:   "openai",
			Status:     resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return &openAIStream{
		body:         resp.Body,
		scanner:      bufio.NewScanner(resp.Body),
		accumulators: make(map[int]*openAIToolAcc),
		usage:        &Usage{},
	}, nil
}

func (p *OpenAI) buildRequestBody(req Request) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages)+len(req.System))
	for _, sys := range req.System {
		msgs = append(msgs, map[string]any{"role": "system", "content": sys})
	}
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		// Assistant messages carrying tool calls may omit empty content.
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Input)
				calls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":          req.Model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Schema,
				},
			}
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	return body
}

type openAIToolAcc struct {
	id      string
	name    string
	rawArgs string
	started bool
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
		CompletionTokensDetails *struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// openAIStream walks the SSE body line by line. Tool call arguments arrive
// as string fragments keyed by index; complete tool-call events are emitted
// once the server signals the end of the stream.
type openAIStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	accumulators map[int]*openAIToolAcc
	usage        *Usage
	finishReason string
	textOpen     bool

	queued []Event
	done   bool
}

func (s *openAIStream) Recv() (Event, error) {
	for {
		if len(s.queued) > 0 {
			ev := s.queued[0]
			s.queued = s.queued[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}
		if !s.scanner.Scan() {
			s.finish()
			if err := s.scanner.Err(); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return Event{}, err
				}
				return Event{}, &APIError{Provider: "openai", Message: err.Error()}
			}
			continue
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.finish()
			continue
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		s.handle(&chunk)
	}
}

func (s *openAIStream) handle(chunk *openAIStreamChunk) {
	if chunk.Usage != nil {
		s.usage.Input = chunk.Usage.PromptTokens
		s.usage.Output = chunk.Usage.CompletionTokens
		if d := chunk.Usage.PromptTokensDetails; d != nil {
			s.usage.CacheRead = d.CachedTokens
		}
		if d := chunk.Usage.CompletionTokensDetails; d != nil {
			s.usage.Reasoning = d.ReasoningTokens
		}
	}
	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		s.textOpen = true
		s.queued = append(s.queued, Event{Type: EventTextDelta, Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		acc, ok := s.accumulators[tc.Index]
		if !ok {
			acc = &openAIToolAcc{id: tc.ID}
			s.accumulators[tc.Index] = acc
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = strings.TrimSpace(tc.Function.Name)
		}
		if !acc.started && acc.id != "" && acc.name != "" {
			acc.started = true
			s.queued = append(s.queued, Event{
				Type:     EventToolInputStart,
				CallID:   acc.id,
				ToolName: acc.name,
			})
		}
		if tc.Function.Arguments != "" {
			acc.rawArgs += tc.Function.Arguments
			s.queued = append(s.queued, Event{
				Type:       EventToolInputDelta,
				CallID:     acc.id,
				ToolName:   acc.name,
				InputDelta: tc.Function.Arguments,
			})
		}
	}
	if choice.FinishReason != "" {
		s.finishReason = choice.FinishReason
	}
}

func (s *openAIStream) finish() {
	if s.done {
		return
	}
	s.done = true
	if s.textOpen {
		s.queued = append(s.queued, Event{Type: EventTextEnd})
	}
	for i := 0; i < len(s.accumulators); i++ {
		acc, ok := s.accumulators[i]
		if !ok {
			continue
		}
		input := map[string]any{}
		if acc.rawArgs != "" {
			_ = json.Unmarshal([]byte(acc.rawArgs), &input)
		}
		s.queued = append(s.queued, Event{
			Type:     EventToolCall,
			CallID:   acc.id,
			ToolName: acc.name,
			Input:    input,
		})
	}
	if len(s.accumulators) > 0 && s.finishReason == "" {
		s.finishReason = "tool_calls"
	}
	s.queued = append(s.queued, Event{
		Type:         EventStepFinish,
		Usage:        s.usage,
		FinishReason: s.finishReason,
	})
}

func (s *openAIStream) Close() error {
	return s.body.Close()
}

// parseRetryAfter reads a Retry-After header as delay seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
