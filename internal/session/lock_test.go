package session

import (
	"errors"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/pkg/protocol"
)

func collectTypes(ch <-chan bus.Event, n int, t *testing.T) []string {
	t.Helper()
	var types []string
	deadline := time.After(5 * time.Second)
	for len(types) < n {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("timed out after %v", types)
		}
	}
	return types
}

func TestLocksAcquireConflict(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)

	lock, err := locks.Acquire("ses_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := locks.Acquire("ses_1"); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("second acquire err = %v, want ErrSessionLocked", err)
	}
	if _, err := locks.Acquire("ses_2"); err != nil {
		t.Fatalf("unrelated session blocked: %v", err)
	}

	lock.Release()
	if _, err := locks.Acquire("ses_1"); err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
}

func TestLockReleasePublishesCompleted(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)
	events, cancel := b.SubscribeChan(16,
		protocol.EventSessionCompleted, protocol.EventSessionAborted)
	defer cancel()

	lock, _ := locks.Acquire("ses_1")
	lock.Release()

	types := collectTypes(events, 1, t)
	if types[0] != protocol.EventSessionCompleted {
		t.Fatalf("got %v", types)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLockAbortOrdering(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)
	events, cancel := b.SubscribeChan(16,
		protocol.EventSessionCompleted, protocol.EventSessionAborted)
	defer cancel()

	lock, _ := locks.Acquire("ses_1")
	if !locks.Abort("ses_1") {
		t.Fatal("abort returned false")
	}
	select {
	case <-lock.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by abort")
	}
	// Nothing publishes until the holder releases.
	select {
	case ev := <-events:
		t.Fatalf("event %s before release", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	lock.Release()
	types := collectTypes(events, 2, t)
	if types[0] != protocol.EventSessionAborted || types[1] != protocol.EventSessionCompleted {
		t.Fatalf("order = %v", types)
	}
}

func TestLocksAbortIdle(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)
	if locks.Abort("ses_idle") {
		t.Fatal("abort of idle session returned true")
	}
}

func TestLockDoubleReleaseSafe(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)
	events, cancel := b.SubscribeChan(16, protocol.EventSessionCompleted)
	defer cancel()

	lock, _ := locks.Acquire("ses_1")
	lock.Release()
	lock.Release()

	collectTypes(events, 1, t)
	select {
	case <-events:
		t.Fatal("second release published again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSwitchAgentAbortsAndStores(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)

	lock, _ := locks.Acquire("ses_1")
	locks.SwitchAgent("ses_1", "readonly")

	select {
	case <-lock.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("switch did not abort the turn")
	}
	if agent, ok := locks.PeekSwitch("ses_1"); !ok || agent != "readonly" {
		t.Fatalf("peek = %q %v", agent, ok)
	}
	if agent, ok := locks.ConsumeSwitch("ses_1"); !ok || agent != "readonly" {
		t.Fatalf("consume = %q %v", agent, ok)
	}
	if _, ok := locks.ConsumeSwitch("ses_1"); ok {
		t.Fatal("switch consumed twice")
	}
}

func TestGracefulSwitchKeepsTurnRunning(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)

	lock, _ := locks.Acquire("ses_1")
	defer lock.Release()
	locks.RequestGracefulSwitch("ses_1", "readonly")

	select {
	case <-lock.Context().Done():
		t.Fatal("graceful switch cancelled the turn")
	case <-time.After(50 * time.Millisecond):
	}
	if agent, _ := locks.PeekSwitch("ses_1"); agent != "readonly" {
		t.Fatalf("pending switch = %q", agent)
	}
}

func TestLocksShutdownCancelsAll(t *testing.T) {
	b := bus.New()
	defer b.Close()
	locks := NewLocks(b)

	l1, _ := locks.Acquire("ses_1")
	l2, _ := locks.Acquire("ses_2")
	locks.Shutdown()

	for _, lock := range []*Lock{l1, l2} {
		select {
		case <-lock.Context().Done():
		case <-time.After(time.Second):
			t.Fatal("shutdown left a live context")
		}
	}
}
