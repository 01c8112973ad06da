package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		ref      string
		provider string
		model    string
		wantErr  bool
	}{
		{"anthropic/claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5", false},
		{"openai/gpt-5", "openai", "gpt-5", false},
		{"openrouter/anthropic/claude-sonnet-4-5", "openrouter", "anthropic/claude-sonnet-4-5", false},
		{"no-slash", "", "", true},
		{"/model", "", "", true},
		{"provider/", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		providerID, modelID, err := ParseModel(tt.ref)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseModel(%q): expected error", tt.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseModel(%q): %v", tt.ref, err)
			continue
		}
		if providerID != tt.provider || modelID != tt.model {
			t.Errorf("ParseModel(%q) = %q, %q; want %q, %q", tt.ref, providerID, modelID, tt.provider, tt.model)
		}
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{408, true},
		{409, true},
		{429, true},
		{500, true},
		{503, true},
		{529, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
	}
	for _, tt := range tests {
		err := &APIError{Provider: "test", Status: tt.status}
		if got := err.Retryable(); got != tt.want {
			t.Errorf("status %d: Retryable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	if Retryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if Retryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if Retryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Error("wrapped deadline should not be retryable")
	}
	if !Retryable(&APIError{Status: 429}) {
		t.Error("429 should be retryable")
	}
	if Retryable(errors.New("some other failure")) {
		t.Error("unknown plain error should not be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	if _, ok := RetryAfterHint(errors.New("plain")); ok {
		t.Error("plain error should carry no hint")
	}
	d, ok := RetryAfterHint(&APIError{Status: 429, RetryAfter: 3 * time.Second})
	if !ok || d != 3*time.Second {
		t.Errorf("got %v, %v; want 3s, true", d, ok)
	}
}

func TestLookupFallback(t *testing.T) {
	info := Lookup("anthropic", "claude-sonnet-4-5")
	if info.Limits.Context != 200_000 {
		t.Errorf("context limit = %d, want 200000", info.Limits.Context)
	}
	unknown := Lookup("anthropic", "claude-experimental")
	if unknown.ID != "claude-experimental" {
		t.Errorf("fallback ID = %q", unknown.ID)
	}
	if unknown.Limits.Context == 0 || unknown.Limits.Output == 0 {
		t.Error("fallback limits must be nonzero so overflow checks engage")
	}
}

func TestStepCost(t *testing.T) {
	info := ModelInfo{Cost: Cost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}}
	got := StepCost(info, Usage{Input: 1_000_000, Output: 100_000, CacheRead: 2_000_000})
	want := 3.0 + 1.5 + 0.6
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("StepCost = %v, want %v", got, want)
	}
}

func sseBody(lines ...string) string {
	var out string
	for _, l := range lines {
		out += "data: " + l + "\n\n"
	}
	return out
}

func TestOpenAIStreamText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":4}}`,
			"[DONE]",
		))
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", srv.URL)
	stream, err := p.Stream(context.Background(), Request{Model: "gpt-5", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var text string
	var finish *Event
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		switch ev.Type {
		case EventTextDelta:
			text += ev.Text
		case EventStepFinish:
			copied := ev
			finish = &copied
		}
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if finish == nil {
		t.Fatal("missing step-finish event")
	}
	if finish.Usage.Input != 10 || finish.Usage.Output != 4 {
		t.Errorf("usage = %+v", finish.Usage)
	}
	if finish.FinishReason != "stop" {
		t.Errorf("finish reason = %q", finish.FinishReason)
	}
}

func TestOpenAIStreamToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"bash","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			"[DONE]",
		))
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", srv.URL)
	stream, err := p.Stream(context.Background(), Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var started, deltas int
	var call *Event
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		switch ev.Type {
		case EventToolInputStart:
			started++
		case EventToolInputDelta:
			deltas++
		case EventToolCall:
			copied := ev
			call = &copied
		}
	}
	if started != 1 {
		t.Errorf("tool-input-start count = %d", started)
	}
	if deltas != 2 {
		t.Errorf("tool-input-delta count = %d", deltas)
	}
	if call == nil {
		t.Fatal("missing tool-call event")
	}
	if call.CallID != "call_1" || call.ToolName != "bash" {
		t.Errorf("call = %+v", call)
	}
	if got := call.Input["command"]; got != "ls" {
		t.Errorf("input command = %v", got)
	}
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", srv.URL)
	_, err := p.Stream(context.Background(), Request{Model: "gpt-5"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.Status != 429 || !apiErr.Retryable() {
		t.Errorf("status = %d", apiErr.Status)
	}
	if apiErr.RetryAfter != 7*time.Second {
		t.Errorf("retry-after = %v", apiErr.RetryAfter)
	}
}

func TestRegistry(t *testing.T) {
	r := &Registry{providers: map[string]Provider{}}
	r.Register(NewOpenAI("k", "http://localhost"))
	if _, err := r.Get("openai"); err != nil {
		t.Errorf("Get(openai): %v", err)
	}
	if _, err := r.Get("anthropic"); err == nil {
		t.Error("Get(anthropic) should fail when not configured")
	}
}
