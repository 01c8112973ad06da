package session

import (
	"errors"
	"fmt"
	"iter"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/storage"
	"github.com/kilnhq/kiln/pkg/protocol"
)

// PartUpdated is the payload of message.part.updated. Delta carries streamed
// text as an advisory; receivers may recompute from Part.Text.
type PartUpdated struct {
	Part  message.Part `json:"part"`
	Delta string       `json:"delta,omitempty"`
}

// Log is the durable message/part store. Every upsert persists before its
// event publishes, so terminal state is always readable back.
type Log struct {
	store storage.Storage
	bus   *bus.Bus
}

func NewLog(store storage.Storage, b *bus.Bus) *Log {
	return &Log{store: store, bus: b}
}

// UpdateMessage upserts the message and publishes message.updated.
func (l *Log) UpdateMessage(msg message.Message) error {
	if err := l.store.Write(msg, "message", msg.SessionID, msg.ID); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	l.bus.Publish(protocol.EventMessageUpdated, msg)
	return nil
}

// UpdatePart upserts the part and publishes message.part.updated.
func (l *Log) UpdatePart(part message.Part, delta string) error {
	if err := l.store.Write(part, "part", part.SessionID, part.MessageID, part.ID); err != nil {
		return fmt.Errorf("persist part: %w", err)
	}
	l.bus.Publish(protocol.EventMessagePartUpdated, PartUpdated{Part: part, Delta: delta})
	return nil
}

// Message reads one message.
func (l *Log) Message(sessionID, messageID string) (message.Message, error) {
	var msg message.Message
	err := l.store.Read(&msg, "message", sessionID, messageID)
	return msg, err
}

// Parts returns a message's parts ordered by ID.
func (l *Log) Parts(sessionID, messageID string) ([]message.Part, error) {
	ids, err := l.store.List("part", sessionID, messageID)
	if err != nil {
		return nil, err
	}
	parts := make([]message.Part, 0, len(ids))
	for _, id := range ids {
		var part message.Part
		if err := l.store.Read(&part, "part", sessionID, messageID, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// Messages returns the session's messages with parts, ordered by message ID.
// Time-sortable IDs make lexicographic order chronological.
func (l *Log) Messages(sessionID string) ([]message.WithParts, error) {
	ids, err := l.store.List("message", sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]message.WithParts, 0, len(ids))
	for _, id := range ids {
		var msg message.Message
		if err := l.store.Read(&msg, "message", sessionID, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		parts, err := l.Parts(sessionID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, message.WithParts{Info: msg, Parts: parts})
	}
	return out, nil
}

// Stream yields the session's messages with parts in chronological order,
// reading each lazily. The message set is fixed when iteration starts;
// messages written mid-iteration do not appear.
func (l *Log) Stream(sessionID string) iter.Seq2[message.WithParts, error] {
	return func(yield func(message.WithParts, error) bool) {
		ids, err := l.store.List("message", sessionID)
		if err != nil {
			yield(message.WithParts{}, err)
			return
		}
		for _, id := range ids {
			var msg message.Message
			if err := l.store.Read(&msg, "message", sessionID, id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if !yield(message.WithParts{}, err) {
					return
				}
				continue
			}
			parts, err := l.Parts(sessionID, id)
			if err != nil {
				if !yield(message.WithParts{}, err) {
					return
				}
				continue
			}
			if !yield(message.WithParts{Info: msg, Parts: parts}, nil) {
				return
			}
		}
	}
}

// RemoveMessage deletes a message and its parts.
func (l *Log) RemoveMessage(sessionID, messageID string) error {
	if err := l.store.RemoveAll("part", sessionID, messageID); err != nil {
		return err
	}
	return l.store.Remove("message", sessionID, messageID)
}

// RemoveSession deletes every message and part for the session.
func (l *Log) RemoveSession(sessionID string) error {
	if err := l.store.RemoveAll("part", sessionID); err != nil {
		return err
	}
	return l.store.RemoveAll("message", sessionID)
}
