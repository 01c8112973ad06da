// Package session owns the conversation state machine: the lock and
// lifecycle, the message/part log, the turn runner, and the compactor.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/id"
	"github.com/kilnhq/kiln/internal/storage"
	"github.com/kilnhq/kiln/pkg/protocol"
)

// Sentinel errors surfaced to callers.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrAborted         = errors.New("session: aborted")
)

// Session sources.
const (
	SourceTUI        = "tui"
	SourceSDK        = "sdk"
	SourceBackground = "background"
)

// Info is one session's durable state.
type Info struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	ParentID         string `json:"parentID,omitempty"`
	ContainerProfile string `json:"containerProfile,omitempty"`
	Source           string `json:"source,omitempty"`
	Time             Time   `json:"time"`
}

// Time tracks lifecycle instants as unix milliseconds. Compacting is nonzero
// while a compaction is in flight.
type Time struct {
	Created    int64 `json:"created"`
	Updated    int64 `json:"updated"`
	Compacting int64 `json:"compacting,omitempty"`
}

// CreateParams is the input to Create.
type CreateParams struct {
	Title            string
	ParentID         string
	ContainerProfile string
	Source           string
}

// Manager owns session records and their log.
type Manager struct {
	store storage.Storage
	bus   *bus.Bus
	log   *Log
	locks *Locks

	mu sync.Mutex // serializes session info read-modify-write
}

func NewManager(store storage.Storage, b *bus.Bus, log *Log, locks *Locks) *Manager {
	return &Manager{store: store, bus: b, log: log, locks: locks}
}

// Log returns the session's message/part log.
func (m *Manager) Log() *Log { return m.log }

// Locks returns the lock table.
func (m *Manager) Locks() *Locks { return m.locks }

// Create makes a new session. A parentID must name an existing session; the
// child inherits the parent's approvals through the permission broker.
func (m *Manager) Create(params CreateParams) (Info, error) {
	if params.ParentID != "" {
		if _, err := m.Get(params.ParentID); err != nil {
			return Info{}, fmt.Errorf("parent session: %w", err)
		}
	}
	source := params.Source
	if source == "" {
		source = SourceSDK
	}
	now := time.Now().UnixMilli()
	info := Info{
		ID:               id.Ascending(id.PrefixSession),
		Title:            params.Title,
		ParentID:         params.ParentID,
		ContainerProfile: params.ContainerProfile,
		Source:           source,
		Time:             Time{Created: now, Updated: now},
	}
	if info.Title == "" {
		info.Title = "untitled"
	}
	if err := m.store.Write(info, "session", info.ID); err != nil {
		return Info{}, fmt.Errorf("persist session: %w", err)
	}
	m.bus.Publish(protocol.EventSessionUpdated, info)
	return info, nil
}

// Get reads one session.
func (m *Manager) Get(sessionID string) (Info, error) {
	var info Info
	if err := m.store.Read(&info, "session", sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Info{}, ErrSessionNotFound
		}
		return Info{}, err
	}
	return info, nil
}

// List returns all sessions ordered by ID (creation time).
func (m *Manager) List() ([]Info, error) {
	ids, err := m.store.List("session")
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(ids))
	for _, sid := range ids {
		var info Info
		if err := m.store.Read(&info, "session", sid); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Remove aborts any running turn and deletes the session with its log.
func (m *Manager) Remove(sessionID string) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	m.locks.Abort(sessionID)
	if err := m.log.RemoveSession(sessionID); err != nil {
		return err
	}
	for _, prefix := range []string{"plan", "session_diff"} {
		if err := m.store.RemoveAll(prefix, sessionID); err != nil {
			return err
		}
	}
	return m.store.Remove("session", sessionID)
}

// Abort cancels the session's running turn, if any.
func (m *Manager) Abort(sessionID string) bool {
	return m.locks.Abort(sessionID)
}

// SwitchAgent aborts the running turn and schedules the agent for the next
// prompt.
func (m *Manager) SwitchAgent(sessionID, agent string) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	m.locks.SwitchAgent(sessionID, agent)
	return nil
}

// ParentOf resolves a session's parent ID; "" when none. Injected into the
// permission broker for approval read-through and forwarding.
func (m *Manager) ParentOf(sessionID string) string {
	info, err := m.Get(sessionID)
	if err != nil {
		return ""
	}
	return info.ParentID
}

// Revert trims the log back to the given message boundary: the message and
// everything after it are deleted.
func (m *Manager) Revert(sessionID, messageID string) error {
	if _, err := m.Get(sessionID); err != nil {
		return err
	}
	if err := m.locks.AssertUnlocked(sessionID); err != nil {
		return err
	}
	msgs, err := m.log.Messages(sessionID)
	if err != nil {
		return err
	}
	found := false
	for _, msg := range msgs {
		if msg.Info.ID == messageID {
			found = true
		}
		if !found {
			continue
		}
		if err := m.log.RemoveMessage(sessionID, msg.Info.ID); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("message %s: %w", messageID, ErrSessionNotFound)
	}
	return m.touch(sessionID, func(*Info) {})
}

// touch applies fn to the session record, bumps time.updated, persists, and
// publishes session.updated.
func (m *Manager) touch(sessionID string, fn func(*Info)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	fn(&info)
	info.Time.Updated = time.Now().UnixMilli()
	if err := m.store.Write(info, "session", sessionID); err != nil {
		return err
	}
	m.bus.Publish(protocol.EventSessionUpdated, info)
	return nil
}
