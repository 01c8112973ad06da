package permission

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/id"
	"github.com/kilnhq/kiln/internal/pin"
	"github.com/kilnhq/kiln/internal/plugin"
	"github.com/kilnhq/kiln/internal/status"
	"github.com/kilnhq/kiln/pkg/protocol"
)

const defaultReminderDelay = time.Minute

// entry is one pending permission. A forwarded request shares a single entry
// between the child and parent pending tables, so resolving either side
// resolves both.
type entry struct {
	info   Info
	keys   []string
	parent string // forwarded twin's session, "" when not forwarded
	done   chan error
}

// Options wires the broker's collaborators. All fields except Bus may be nil.
type Options struct {
	Config  *config.Service
	Pins    *pin.Store
	Plugins *plugin.Registry
	Status  *status.Tracker

	// ParentOf resolves a session's parent ID ("" when none). Injected to
	// keep the broker independent of the session store.
	ParentOf func(sessionID string) string

	// ReminderDelay is how long a gate stays unanswered before the status
	// tracker fires a notification.
	ReminderDelay time.Duration
}

// Broker owns the pending and approved permission state.
type Broker struct {
	bus  *bus.Bus
	opts Options

	mu       sync.Mutex
	pending  map[string]map[string]*entry
	approved map[string]map[string]bool
}

func NewBroker(b *bus.Bus, opts Options) *Broker {
	if opts.ParentOf == nil {
		opts.ParentOf = func(string) string { return "" }
	}
	if opts.ReminderDelay == 0 {
		opts.ReminderDelay = defaultReminderDelay
	}
	return &Broker{
		bus:      b,
		opts:     opts,
		pending:  make(map[string]map[string]*entry),
		approved: make(map[string]map[string]bool),
	}
}

func (b *Broker) lock()   { b.mu.Lock() }
func (b *Broker) unlock() { b.mu.Unlock() }

// covered reports whether every key is matched by some approved pattern.
func covered(approved map[string]bool, keys []string) bool {
	if len(approved) == 0 {
		return false
	}
	for _, key := range keys {
		matched := false
		for pattern := range approved {
			if pattern == key {
				matched = true
				break
			}
			if ok, err := doublestar.Match(pattern, key); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Ask gates one tool effect. It returns nil when the request is already
// covered or the user approves, and a *RejectedError when denied. The caller
// suspends until the answer arrives or ctx is cancelled.
func (b *Broker) Ask(ctx context.Context, req Request) error {
	if err := validateType(req.Type); err != nil {
		return err
	}
	keys := toKeys(req.Type, req.Pattern)

	b.lock()
	if covered(b.approved[req.SessionID], keys) {
		b.unlock()
		return nil
	}
	parent := b.opts.ParentOf(req.SessionID)
	if parent != "" && covered(b.approved[parent], keys) {
		// Parent coverage is cached into the child so later asks resolve
		// without the extra lookup.
		b.approveKeys(req.SessionID, keys)
		b.unlock()
		return nil
	}
	b.unlock()

	info := Info{
		ID:        id.Ascending(id.PrefixPermission),
		Type:      req.Type,
		Pattern:   req.Pattern,
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		CallID:    req.CallID,
		Title:     req.Title,
		Metadata:  req.Metadata,
		Time:      InfoTime{Created: time.Now().UnixMilli()},
	}
	if info.Metadata == nil {
		info.Metadata = map[string]any{}
	}

	if b.opts.Plugins != nil {
		res := b.opts.Plugins.Trigger(ctx, plugin.HookPermissionAsk, map[string]any{
			"id":        info.ID,
			"type":      info.Type,
			"pattern":   info.Pattern,
			"sessionID": info.SessionID,
			"title":     info.Title,
			"metadata":  info.Metadata,
		})
		switch res.Status {
		case plugin.Deny:
			return &RejectedError{
				SessionID:    info.SessionID,
				PermissionID: info.ID,
				CallID:       info.CallID,
				Metadata:     info.Metadata,
				Message:      res.Message,
			}
		case plugin.Allow:
			return nil
		}
	}

	ent := &entry{info: info, keys: keys, parent: parent, done: make(chan error, 1)}

	b.lock()
	b.register(req.SessionID, ent)
	if parent != "" {
		b.register(parent, ent)
	}
	b.unlock()

	// Published Infos carry their own metadata map; Respond writes answer
	// metadata into the entry's map while subscribers may still be reading
	// the published value.
	pub := info
	pub.Metadata = cloneMetadata(info.Metadata)
	b.bus.Publish(protocol.EventPermissionUpdated, pub)
	if parent != "" {
		twin := info
		twin.SessionID = parent
		twin.Metadata = cloneMetadata(info.Metadata)
		twin.Metadata["originSessionID"] = req.SessionID
		b.bus.Publish(protocol.EventPermissionUpdated, twin)
	}

	if b.opts.Status != nil {
		b.opts.Status.Blocked(info.ID, info.Title, b.opts.ReminderDelay)
		defer b.opts.Status.Unblocked(info.ID)
	}

	select {
	case err := <-ent.done:
		return err
	case <-ctx.Done():
		b.lock()
		b.remove(ent)
		b.unlock()
		return &RejectedError{
			SessionID:    info.SessionID,
			PermissionID: info.ID,
			CallID:       info.CallID,
			Metadata:     info.Metadata,
			Message:      "aborted",
		}
	}
}

// Respond resolves a pending permission. An unknown permission ID is a no-op.
func (b *Broker) Respond(sessionID, permissionID string, resp protocol.PermissionResponse) error {
	b.lock()
	ent, ok := b.pending[sessionID][permissionID]
	if !ok {
		b.unlock()
		return nil
	}

	if resp.Type == protocol.ResponsePin {
		b.unlock()
		return b.respondPin(ent, resp)
	}

	// Object responses carry answer metadata the tool reads after resume.
	if resp.Agent != "" {
		ent.info.Metadata["selectedAgent"] = resp.Agent
	}
	if resp.Message != "" && resp.Type != protocol.ResponseReject {
		ent.info.Metadata["userMessage"] = resp.Message
	}
	if len(resp.Answers) > 0 {
		ent.info.Metadata["answers"] = resp.Answers
	}

	switch resp.Type {
	case protocol.ResponseReject:
		b.remove(ent)
		b.unlock()
		b.resolve(ent, resp, &RejectedError{
			SessionID:    ent.info.SessionID,
			PermissionID: ent.info.ID,
			CallID:       ent.info.CallID,
			Metadata:     ent.info.Metadata,
			Message:      resp.Message,
		})
		return nil

	case protocol.ResponseOnce:
		b.remove(ent)
		b.unlock()
		b.resolve(ent, resp, nil)
		return nil

	case protocol.ResponseAlways:
		b.remove(ent)
		b.approveKeys(ent.info.SessionID, ent.keys)
		if ent.parent != "" {
			b.approveKeys(ent.parent, ent.keys)
		}
		cascade := b.coveredPending(ent.info.SessionID, ent.parent)
		b.unlock()

		b.resolve(ent, resp, nil)
		if b.opts.Config != nil {
			if err := b.opts.Config.RecordApproval(ent.info.Type, ent.keys); err != nil {
				slog.Warn("failed to persist approval", "type", ent.info.Type, "error", err)
			}
		}
		for _, other := range cascade {
			b.resolve(other, protocol.PermissionResponse{Type: protocol.ResponseOnce}, nil)
		}
		return nil
	}
	b.unlock()
	return nil
}

func (b *Broker) respondPin(ent *entry, resp protocol.PermissionResponse) error {
	ok := false
	if b.opts.Pins != nil {
		var err error
		ok, err = b.opts.Pins.Verify(resp.Pin)
		if err != nil {
			slog.Warn("pin verification failed", "error", err)
		}
	}

	b.lock()
	b.remove(ent)
	b.unlock()

	if ok {
		b.resolve(ent, resp, nil)
		return nil
	}
	// A wrong PIN rejects outright; the caller must issue a fresh request.
	b.resolve(ent, protocol.PermissionResponse{Type: protocol.ResponseReject}, &RejectedError{
		SessionID:    ent.info.SessionID,
		PermissionID: ent.info.ID,
		CallID:       ent.info.CallID,
		Metadata:     ent.info.Metadata,
		Message:      "invalid PIN",
	})
	return ErrInvalidPIN
}

// resolve publishes permission.replied, then wakes the waiting caller.
func (b *Broker) resolve(ent *entry, resp protocol.PermissionResponse, result error) {
	b.bus.Publish(protocol.EventPermissionReplied, map[string]any{
		"sessionID":    ent.info.SessionID,
		"permissionID": ent.info.ID,
		"response":     resp.Type,
	})
	select {
	case ent.done <- result:
	default:
	}
}

// Pending lists a session's unanswered permissions in creation order.
func (b *Broker) Pending(sessionID string) []Info {
	b.lock()
	defer b.unlock()
	out := make([]Info, 0, len(b.pending[sessionID]))
	for _, ent := range b.pending[sessionID] {
		info := ent.info
		info.Metadata = cloneMetadata(ent.info.Metadata)
		if ent.parent == sessionID && ent.info.SessionID != sessionID {
			info.SessionID = sessionID
			info.Metadata["originSessionID"] = ent.info.SessionID
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Approved returns a copy of a session's approved key set.
func (b *Broker) Approved(sessionID string) map[string]bool {
	b.lock()
	defer b.unlock()
	out := make(map[string]bool, len(b.approved[sessionID]))
	for k := range b.approved[sessionID] {
		out[k] = true
	}
	return out
}

// Teardown rejects every pending permission for the session.
func (b *Broker) Teardown(sessionID string) {
	b.lock()
	var ents []*entry
	for _, ent := range b.pending[sessionID] {
		ents = append(ents, ent)
	}
	for _, ent := range ents {
		b.remove(ent)
	}
	b.unlock()

	for _, ent := range ents {
		b.resolve(ent, protocol.PermissionResponse{Type: protocol.ResponseReject}, &RejectedError{
			SessionID:    ent.info.SessionID,
			PermissionID: ent.info.ID,
			CallID:       ent.info.CallID,
			Metadata:     ent.info.Metadata,
			Message:      "session closed",
		})
	}
}

// Shutdown rejects all pending permissions process-wide.
func (b *Broker) Shutdown() {
	b.lock()
	sessions := make([]string, 0, len(b.pending))
	for sid := range b.pending {
		sessions = append(sessions, sid)
	}
	b.unlock()
	for _, sid := range sessions {
		b.Teardown(sid)
	}
}

// register and remove assume the broker lock is held.

func (b *Broker) register(sessionID string, ent *entry) {
	if b.pending[sessionID] == nil {
		b.pending[sessionID] = make(map[string]*entry)
	}
	b.pending[sessionID][ent.info.ID] = ent
}

func (b *Broker) remove(ent *entry) {
	delete(b.pending[ent.info.SessionID], ent.info.ID)
	if ent.parent != "" {
		delete(b.pending[ent.parent], ent.info.ID)
	}
}

func (b *Broker) approveKeys(sessionID string, keys []string) {
	if b.approved[sessionID] == nil {
		b.approved[sessionID] = make(map[string]bool)
	}
	for _, k := range keys {
		b.approved[sessionID][k] = true
	}
}

// coveredPending snapshots pending entries now covered by the approved sets.
// Snapshotting before resolution keeps the cascade order stable even as
// entries are removed.
func (b *Broker) coveredPending(sessionIDs ...string) []*entry {
	seen := make(map[string]bool)
	var out []*entry
	for _, sid := range sessionIDs {
		if sid == "" || seen[sid] {
			continue
		}
		seen[sid] = true
		for _, ent := range b.pending[sid] {
			if covered(b.approved[ent.info.SessionID], ent.keys) {
				b.remove(ent)
				out = append(out, ent)
			}
		}
	}
	return out
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
