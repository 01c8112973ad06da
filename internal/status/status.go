// Package status tracks the externally visible activity state of the server:
// idle, working, or blocked on a pending permission. The permission broker
// schedules a delayed reminder when a gate stays unanswered.
package status

import (
	"log/slog"
	"sync"
	"time"
)

// States.
const (
	Idle    = "idle"
	Working = "working"
	Blocked = "blocked"
)

// Sink receives status transitions. The default sink logs; the TUI and the
// desktop notifier plug in their own.
type Sink interface {
	SetStatus(state string)
	Notify(title, body string)
}

// Tracker is the process-wide status holder.
type Tracker struct {
	mu    sync.Mutex
	sink  Sink
	state string

	reminders map[string]*time.Timer // permissionID → pending reminder
}

func NewTracker(sink Sink) *Tracker {
	if sink == nil {
		sink = logSink{}
	}
	return &Tracker{sink: sink, state: Idle, reminders: make(map[string]*time.Timer)}
}

// Set transitions the visible state.
func (t *Tracker) Set(state string) {
	t.mu.Lock()
	changed := t.state != state
	t.state = state
	t.mu.Unlock()
	if changed {
		t.sink.SetStatus(state)
	}
}

// State returns the current state.
func (t *Tracker) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Blocked marks the server blocked and schedules a reminder fired after
// delay unless Unblocked is called with the same key first.
func (t *Tracker) Blocked(key, reason string, delay time.Duration) {
	t.Set(Blocked)

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.reminders[key]; ok {
		old.Stop()
	}
	t.reminders[key] = time.AfterFunc(delay, func() {
		t.sink.Notify("kiln is waiting", reason)
		t.mu.Lock()
		delete(t.reminders, key)
		t.mu.Unlock()
	})
}

// Unblocked cancels the reminder for key and, when no other reminders
// remain, returns the state to working.
func (t *Tracker) Unblocked(key string) {
	t.mu.Lock()
	if timer, ok := t.reminders[key]; ok {
		timer.Stop()
		delete(t.reminders, key)
	}
	remaining := len(t.reminders)
	t.mu.Unlock()

	if remaining == 0 {
		t.Set(Working)
	}
}

type logSink struct{}

func (logSink) SetStatus(state string) { slog.Debug("status changed", "state", state) }
func (logSink) Notify(title, body string) {
	slog.Info("notification", "title", title, "body", body)
}
