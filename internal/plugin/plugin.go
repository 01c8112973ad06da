// Package plugin is the hook surface the core consumes. Hooks observe or
// veto operations; the permission flow consults the "permission.ask" hook
// before registering a pending entry.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Decisions a hook may return.
const (
	Ask   = "ask"   // no opinion, continue the normal flow
	Allow = "allow" // short-circuit approve
	Deny  = "deny"  // short-circuit reject
)

// Hook names fired by the core.
const (
	HookPermissionAsk = "permission.ask"
	HookToolExecuted  = "tool.executed"
)

// Result is a hook's verdict.
type Result struct {
	Status  string // ask|allow|deny
	Message string
}

// Hook handles one trigger. Returning an error is logged and treated as ask.
type Hook func(ctx context.Context, name string, payload map[string]any) (Result, error)

// Registry holds registered hooks for the process lifetime.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string][]Hook
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string][]Hook)}
}

// Register adds a hook for the named trigger.
func (r *Registry) Register(name string, h Hook) {
	r.mu.Lock()
	r.hooks[name] = append(r.hooks[name], h)
	r.mu.Unlock()
}

// Trigger fires every hook for name in registration order. The first
// non-ask decision wins; a failing hook is skipped.
func (r *Registry) Trigger(ctx context.Context, name string, payload map[string]any) Result {
	r.mu.RLock()
	hooks := r.hooks[name]
	r.mu.RUnlock()

	for i, h := range hooks {
		res, err := h(ctx, name, payload)
		if err != nil {
			slog.Warn("plugin hook failed", "hook", name, "index", i, "error", err)
			continue
		}
		switch res.Status {
		case Allow, Deny:
			return res
		case "", Ask:
			continue
		default:
			slog.Warn("plugin hook returned unknown status", "hook", name, "status", res.Status)
		}
	}
	return Result{Status: Ask}
}

// Validate checks a status string from an external plugin boundary.
func Validate(status string) error {
	switch status {
	case Ask, Allow, Deny:
		return nil
	}
	return fmt.Errorf("plugin: invalid status %q", status)
}
