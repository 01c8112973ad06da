// Package bus is the typed publish/subscribe fan-out carrying every
// session-observable state change. Delivery is ordered per subscriber but not
// across subscribers, and publishing never blocks: a subscriber that falls
// behind its buffer loses transient events. Terminal states are always
// readable back from storage, so dropped deltas are recoverable.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event is a single published state change.
type Event struct {
	Type       string
	Properties any
}

// Handler consumes events for one subscriber. Handlers run on the
// subscriber's own goroutine, serialized per subscriber.
type Handler func(Event)

const subscriberBuffer = 256

type subscriber struct {
	id    string
	kinds map[string]bool // nil = all events
	ch    chan Event
}

// Bus is the process-wide event fan-out. It lives for the server lifetime and
// is drained on shutdown.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Publish delivers the event to every matching subscriber without blocking.
// Events published after Close are dropped.
func (b *Bus) Publish(eventType string, properties any) {
	ev := Event{Type: eventType, Properties: properties}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[eventType] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Debug("bus subscriber buffer full, dropping event",
				"subscriber", sub.id, "event", eventType)
		}
	}
}

// Subscribe registers a handler for the given event types (none = all) and
// returns a disposer. The handler runs on a dedicated goroutine so each
// subscriber observes events in publish order.
func (b *Bus) Subscribe(handler Handler, kinds ...string) func() {
	ch, cancel := b.SubscribeChan(subscriberBuffer, kinds...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range ch {
			handler(ev)
		}
	}()
	return cancel
}

// SubscribeChan registers a channel subscriber; the SSE and WebSocket
// boundaries consume this form directly. The returned disposer is idempotent.
func (b *Bus) SubscribeChan(buffer int, kinds ...string) (<-chan Event, func()) {
	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, buffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Close drops all subscribers and waits for handler goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
