package session

import (
	"context"
	"errors"
	"sync"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/pkg/protocol"
)

// ErrSessionLocked reports a concurrent turn or compaction attempt.
var ErrSessionLocked = errors.New("session: locked")

// Locks admits at most one active turn per session. The table lives for the
// server process lifetime and is cancelled on shutdown.
type Locks struct {
	bus *bus.Bus

	mu       sync.Mutex
	active   map[string]*Lock
	switches map[string]string // sessionID → pending agent switch
}

// Lock is the single-holder handle for one session turn. Its context is
// cancelled by Abort and by process teardown.
type Lock struct {
	sessionID string
	locks     *Locks
	ctx       context.Context
	cancel    context.CancelFunc
	aborted   bool // guarded by locks.mu
}

func NewLocks(b *bus.Bus) *Locks {
	return &Locks{
		bus:      b,
		active:   make(map[string]*Lock),
		switches: make(map[string]string),
	}
}

// Acquire installs the session's cancellation token and returns the scoped
// handle. A second acquire before release fails with ErrSessionLocked.
func (l *Locks) Acquire(sessionID string) (*Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.active[sessionID]; ok {
		return nil, ErrSessionLocked
	}
	ctx, cancel := context.WithCancel(context.Background())
	lock := &Lock{sessionID: sessionID, locks: l, ctx: ctx, cancel: cancel}
	l.active[sessionID] = lock
	return lock, nil
}

// Context is the turn's cancellation token.
func (lk *Lock) Context() context.Context { return lk.ctx }

// Release disposes the handle. It publishes the turn's terminal events only
// if the handle is still the registered owner: session.aborted first when the
// turn was aborted, then session.completed. Publishing at release keeps every
// message and part update ahead of the terminal events.
func (lk *Lock) Release() {
	l := lk.locks
	l.mu.Lock()
	owner := l.active[lk.sessionID] == lk
	aborted := lk.aborted
	if owner {
		delete(l.active, lk.sessionID)
	}
	l.mu.Unlock()

	lk.cancel()
	if !owner {
		return
	}
	if aborted {
		l.bus.Publish(protocol.EventSessionAborted, map[string]any{"sessionID": lk.sessionID})
	}
	l.bus.Publish(protocol.EventSessionCompleted, map[string]any{"sessionID": lk.sessionID})
}

// Abort cancels the session's current turn. The runner observes the
// cancellation, finalizes the message, and session.aborted goes out on
// release. Returns false when no turn is active.
func (l *Locks) Abort(sessionID string) bool {
	l.mu.Lock()
	lock, ok := l.active[sessionID]
	if ok {
		lock.aborted = true
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	lock.cancel()
	return true
}

// Locked reports whether a turn is active.
func (l *Locks) Locked(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[sessionID]
	return ok
}

// AssertUnlocked fails with ErrSessionLocked when a turn is active. The
// compactor uses this to refuse concurrent compaction.
func (l *Locks) AssertUnlocked(sessionID string) error {
	if l.Locked(sessionID) {
		return ErrSessionLocked
	}
	return nil
}

// SwitchAgent aborts the current turn (if any), stores a pending switch, and
// publishes session.agent_switch. The next prompt consumes the switch.
func (l *Locks) SwitchAgent(sessionID, agent string) {
	l.Abort(sessionID)
	l.mu.Lock()
	l.switches[sessionID] = agent
	l.mu.Unlock()
	l.bus.Publish(protocol.EventSessionAgentSwitch, map[string]any{
		"sessionID": sessionID,
		"agent":     agent,
	})
}

// RequestGracefulSwitch installs a pending switch without aborting; the
// runner observes it between provider steps.
func (l *Locks) RequestGracefulSwitch(sessionID, agent string) {
	l.mu.Lock()
	l.switches[sessionID] = agent
	l.mu.Unlock()
	l.bus.Publish(protocol.EventSessionAgentSwitch, map[string]any{
		"sessionID": sessionID,
		"agent":     agent,
		"graceful":  true,
	})
}

// ConsumeSwitch removes and returns the pending switch for the session.
func (l *Locks) ConsumeSwitch(sessionID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok := l.switches[sessionID]
	if ok {
		delete(l.switches, sessionID)
	}
	return agent, ok
}

// PeekSwitch returns the pending switch without consuming it.
func (l *Locks) PeekSwitch(sessionID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok := l.switches[sessionID]
	return agent, ok
}

// Shutdown cancels every outstanding handle.
func (l *Locks) Shutdown() {
	l.mu.Lock()
	locks := make([]*Lock, 0, len(l.active))
	for _, lock := range l.active {
		locks = append(locks, lock)
	}
	l.mu.Unlock()
	for _, lock := range locks {
		lock.cancel()
	}
}
