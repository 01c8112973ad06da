// Package tool defines the tool surface the turn runner drives. Tools gate
// their side effects through the permission broker via the Gate carried in
// the call context; a rejection becomes the tool's error and the turn
// continues.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnhq/kiln/internal/permission"
	"github.com/kilnhq/kiln/internal/provider"
)

// Gate asks for permission before a sensitive effect. The runner installs a
// policy-aware gate per turn.
type Gate interface {
	Ask(ctx context.Context, req permission.Request) error
}

// Call identifies one tool invocation within a turn.
type Call struct {
	SessionID string
	MessageID string
	CallID    string
	Agent     string
	Gate      Gate
}

// Ask is a convenience for tools requesting permission with the call's IDs
// filled in.
func (c Call) Ask(ctx context.Context, permType string, patterns []string, title string, metadata map[string]any) error {
	if c.Gate == nil {
		return nil
	}
	return c.Gate.Ask(ctx, permission.Request{
		Type:      permType,
		Pattern:   patterns,
		SessionID: c.SessionID,
		MessageID: c.MessageID,
		CallID:    c.CallID,
		Title:     title,
		Metadata:  metadata,
	})
}

// Attachment is a file produced by a tool, referenced from a FilePart.
type Attachment struct {
	Mime string `json:"mime"`
	URL  string `json:"url"`
}

// Result is a successful tool execution.
type Result struct {
	Title       string
	Output      string
	Metadata    map[string]any
	Attachments []Attachment
}

// Tool is one executable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, call Call, input map[string]any) (Result, error)
}

// Registry holds the available tools for the process lifetime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool: unknown tool %q", name)
	}
	return t, nil
}

// Names lists registered tools sorted by name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns provider tool definitions for the enabled set. A tool is
// offered unless the enable-map explicitly disables it.
func (r *Registry) Defs(enabled map[string]bool) []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if on, ok := enabled[name]; ok && !on {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]provider.ToolDef, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Parameters(),
		})
	}
	return defs
}
