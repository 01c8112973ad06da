// Package provider adapts LLM backends to a single streaming interface. The
// turn runner consumes typed events from a Stream; adapters translate each
// backend's wire protocol into those events.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Stream event types.
const (
	EventTextDelta      = "text-delta"
	EventTextEnd        = "text-end"
	EventToolInputStart = "tool-input-start"
	EventToolInputDelta = "tool-input-delta"
	EventToolCall       = "tool-call"
	EventStepFinish     = "step-finish"
	EventError          = "error"
)

// Event is one unit of a streamed provider response.
type Event struct {
	Type string

	// Text fields (text-delta).
	Text string

	// Tool fields (tool-input-*, tool-call).
	CallID     string
	ToolName   string
	InputDelta string
	Input      map[string]any

	// Step accounting (step-finish).
	Usage        *Usage
	FinishReason string

	// Error carries the classified failure (error).
	Err error
}

// Usage is the token accounting from one provider step.
type Usage struct {
	Input      int64
	Output     int64
	Reasoning  int64
	CacheRead  int64
	CacheWrite int64
}

// Message is a provider-facing conversation entry.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // role "tool": which call this answers
	IsError    bool   // role "tool": result is an error
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolDef describes a tool schema offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any // JSON schema for the input
}

// Request is the input to Stream.
type Request struct {
	Model       string
	System      []string
	Messages    []Message
	Tools       []ToolDef
	Temperature *float64
	TopP        *float64
	MaxTokens   int64
	Headers     map[string]string
}

// Stream yields events until the step finishes. Recv returns io.EOF after
// the final event; Close releases the underlying connection.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Provider is one backend adapter.
type Provider interface {
	// ID returns the provider identifier ("anthropic", "openai").
	ID() string

	// Stream opens a streaming completion. Cancelling ctx tears the stream
	// down; the next Recv reports the cancellation.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ParseModel splits "provider/model" into its components.
func ParseModel(ref string) (providerID, modelID string, err error) {
	providerID, modelID, ok := strings.Cut(ref, "/")
	if !ok || providerID == "" || modelID == "" {
		return "", "", fmt.Errorf("provider: invalid model reference %q, want provider/model", ref)
	}
	return providerID, modelID, nil
}
