package status

import (
	"sync"
	"testing"
	"time"
)

type recordSink struct {
	mu      sync.Mutex
	states  []string
	notices []string
}

func (s *recordSink) SetStatus(state string) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *recordSink) Notify(title, body string) {
	s.mu.Lock()
	s.notices = append(s.notices, body)
	s.mu.Unlock()
}

func (s *recordSink) noticeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notices)
}

func TestTrackerTransitions(t *testing.T) {
	sink := &recordSink{}
	tr := NewTracker(sink)
	if tr.State() != Idle {
		t.Fatalf("initial state = %q", tr.State())
	}

	tr.Set(Working)
	tr.Set(Working) // no duplicate sink call
	tr.Set(Idle)

	sink.mu.Lock()
	states := append([]string(nil), sink.states...)
	sink.mu.Unlock()
	if len(states) != 2 || states[0] != Working || states[1] != Idle {
		t.Errorf("states = %v", states)
	}
}

func TestBlockedReminderFires(t *testing.T) {
	sink := &recordSink{}
	tr := NewTracker(sink)

	tr.Blocked("per_1", "waiting on bash approval", 20*time.Millisecond)
	if tr.State() != Blocked {
		t.Fatalf("state = %q", tr.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.noticeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.noticeCount() != 1 {
		t.Fatalf("got %d notifications, want 1", sink.noticeCount())
	}
}

func TestUnblockedCancelsReminder(t *testing.T) {
	sink := &recordSink{}
	tr := NewTracker(sink)

	tr.Blocked("per_1", "waiting", 30*time.Millisecond)
	tr.Unblocked("per_1")
	if tr.State() != Working {
		t.Fatalf("state = %q", tr.State())
	}

	time.Sleep(80 * time.Millisecond)
	if sink.noticeCount() != 0 {
		t.Errorf("cancelled reminder still fired %d times", sink.noticeCount())
	}
}

func TestUnblockedKeepsBlockedWhileOthersPend(t *testing.T) {
	sink := &recordSink{}
	tr := NewTracker(sink)

	tr.Blocked("per_1", "first", time.Hour)
	tr.Blocked("per_2", "second", time.Hour)
	tr.Unblocked("per_1")
	if tr.State() != Blocked {
		t.Fatalf("state = %q with a gate still pending", tr.State())
	}
	tr.Unblocked("per_2")
	if tr.State() != Working {
		t.Fatalf("state = %q after all gates resolved", tr.State())
	}
}
