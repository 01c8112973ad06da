package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/id"
	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/provider"
	"github.com/kilnhq/kiln/pkg/protocol"
)

func TestShouldCompact(t *testing.T) {
	info := provider.ModelInfo{Limits: provider.Limits{Context: 200_000, Output: 64_000}}
	usable := int64(200_000 - OutputTokenMax) // output reservation caps at OutputTokenMax

	tests := []struct {
		name   string
		tokens message.TokenUsage
		want   bool
	}{
		{"empty", message.TokenUsage{}, false},
		{"under", message.TokenUsage{Input: usable - 1000}, false},
		{"at boundary", message.TokenUsage{Input: usable}, false},
		{"over", message.TokenUsage{Input: usable + 1}, true},
		{"cache counts", message.TokenUsage{Input: 1000, Cache: message.CacheUsage{Read: usable}}, true},
		{"output counts", message.TokenUsage{Input: usable - 10, Output: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldCompact(tt.tokens, info); got != tt.want {
				t.Errorf("shouldCompact(%+v) = %v, want %v", tt.tokens, got, tt.want)
			}
		})
	}
}

// The predicate is monotone: adding tokens never turns an overflow back off.
func TestShouldCompactMonotone(t *testing.T) {
	info := provider.ModelInfo{Limits: provider.Limits{Context: 100_000, Output: 16_000}}
	fired := false
	for input := int64(0); input <= 120_000; input += 4_000 {
		got := shouldCompact(message.TokenUsage{Input: input}, info)
		if fired && !got {
			t.Fatalf("predicate turned off at input=%d", input)
		}
		if got {
			fired = true
		}
	}
	if !fired {
		t.Fatal("predicate never fired")
	}
}

func TestShouldCompactDisabledByEnv(t *testing.T) {
	t.Setenv("KILN_AUTOCOMPACT", "false")
	info := provider.ModelInfo{Limits: provider.Limits{Context: 10_000, Output: 8_000}}
	if shouldCompact(message.TokenUsage{Input: 1 << 30}, info) {
		t.Error("predicate fired while disabled")
	}
}

func TestShouldCompactUnknownContext(t *testing.T) {
	if shouldCompact(message.TokenUsage{Input: 1 << 30}, provider.ModelInfo{}) {
		t.Error("predicate fired with no context limit")
	}
}

// seedTurn writes a user/assistant pair with one completed tool part of the
// given output size.
func seedTurn(t *testing.T, f *fixture, sessionID, userText, output string) message.Part {
	t.Helper()
	log := f.manager.Log()
	user := message.Message{
		ID: id.Ascending(id.PrefixMessage), SessionID: sessionID,
		Role: message.RoleUser, Time: message.Time{Created: time.Now().UnixMilli()},
	}
	if err := log.UpdateMessage(user); err != nil {
		t.Fatal(err)
	}
	if err := log.UpdatePart(message.Part{
		ID: id.Ascending(id.PrefixPart), MessageID: user.ID, SessionID: sessionID,
		Type: message.PartText, Text: userText,
	}, ""); err != nil {
		t.Fatal(err)
	}
	assistant := message.Message{
		ID: id.Ascending(id.PrefixMessage), SessionID: sessionID,
		Role: message.RoleAssistant, ParentID: user.ID,
		Time: message.Time{Created: time.Now().UnixMilli(), Completed: time.Now().UnixMilli()},
	}
	if err := log.UpdateMessage(assistant); err != nil {
		t.Fatal(err)
	}
	part := message.Part{
		ID: id.Ascending(id.PrefixPart), MessageID: assistant.ID, SessionID: sessionID,
		Type: message.PartTool, Tool: "bash", CallID: "call_" + assistant.ID,
		State: &message.ToolState{
			Status: message.ToolCompleted,
			Input:  map[string]any{"command": "make"},
			Output: output,
		},
	}
	if err := log.UpdatePart(part, ""); err != nil {
		t.Fatal(err)
	}
	return part
}

func TestPruneProtectsRecentTurns(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t)

	// Old turns carry far more than PruneProtect+PruneMinimum tokens of
	// output; the newest two turns must survive untouched.
	big := strings.Repeat("x", 4*100_000) // ~100k tokens each
	var old []message.Part
	for i := 0; i < 3; i++ {
		old = append(old, seedTurn(t, f, sess.ID, "old request", big))
	}
	recent1 := seedTurn(t, f, sess.ID, "recent request", big)
	recent2 := seedTurn(t, f, sess.ID, "latest request", big)

	msgs, err := f.manager.Log().Messages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.runner.pruneToolOutputs(msgs); err != nil {
		t.Fatal(err)
	}

	compacted := func(p message.Part) bool {
		parts, err := f.manager.Log().Parts(sess.ID, p.MessageID)
		if err != nil {
			t.Fatal(err)
		}
		for _, got := range parts {
			if got.ID == p.ID {
				return got.State.Compacted != 0
			}
		}
		t.Fatalf("part %s disappeared", p.ID)
		return false
	}

	if compacted(recent1) || compacted(recent2) {
		t.Error("recent turn output was pruned")
	}
	if !compacted(old[0]) {
		t.Error("oldest output was not pruned")
	}
}

func TestPruneSkipsSmallExcess(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t)

	small := strings.Repeat("y", 4*1_000) // ~1k tokens
	var parts []message.Part
	for i := 0; i < 5; i++ {
		parts = append(parts, seedTurn(t, f, sess.ID, "request", small))
	}

	msgs, err := f.manager.Log().Messages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.runner.pruneToolOutputs(msgs); err != nil {
		t.Fatal(err)
	}

	for _, p := range parts {
		got, err := f.manager.Log().Parts(sess.ID, p.MessageID)
		if err != nil {
			t.Fatal(err)
		}
		for _, gp := range got {
			if gp.ID == p.ID && gp.State.Compacted != 0 {
				t.Error("small log was pruned")
			}
		}
	}
}

func TestCompactWritesSummaryAnchor(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t)
	events, cancel := f.bus.SubscribeChan(64,
		protocol.EventCompactingProgress, protocol.EventSessionCompacted)
	defer cancel()

	seedTurn(t, f, sess.ID, "build the widget", "ok")
	f.script(textScript("summary of the session"))

	if err := f.runner.Compact(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.manager.Log().Messages(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	var summaryIdx = -1
	for i, msg := range msgs {
		if msg.Info.Summary {
			summaryIdx = i
		}
	}
	if summaryIdx < 0 {
		t.Fatal("no summary message written")
	}
	if text := collectText(msgs[summaryIdx].Parts); text != "summary of the session" {
		t.Errorf("summary text = %q", text)
	}

	// The resume message follows the anchor and survives assembly.
	if summaryIdx+1 >= len(msgs) {
		t.Fatal("no resume message after summary")
	}
	resume := msgs[summaryIdx+1]
	if resume.Info.Role != message.RoleUser {
		t.Fatalf("resume role = %s", resume.Info.Role)
	}
	if len(resume.Parts) == 0 || !resume.Parts[0].Synthetic {
		t.Error("resume part not synthetic")
	}
	if !strings.Contains(resume.Parts[0].Text, "build the widget") {
		t.Errorf("resume missing original request: %q", resume.Parts[0].Text)
	}

	assembled := assemble(msgs)
	if len(assembled) == 0 || assembled[0].Role != "assistant" {
		t.Fatalf("assembly does not start at summary: %+v", assembled)
	}

	// Progress: started (with counts), context, session.compacted, done.
	var steps []string
	var startedData map[string]any
	deadline := time.After(5 * time.Second)
	for len(steps) < 4 {
		select {
		case ev := <-events:
			if ev.Type == protocol.EventSessionCompacted {
				steps = append(steps, "compacted")
				continue
			}
			props := ev.Properties.(map[string]any)
			step := props["step"].(string)
			if step == protocol.CompactStepStarted {
				startedData, _ = props["data"].(map[string]any)
			}
			steps = append(steps, step)
		case <-deadline:
			t.Fatalf("progress incomplete: %v", steps)
		}
	}
	want := []string{
		protocol.CompactStepStarted,
		protocol.CompactStepContext,
		"compacted",
		protocol.CompactStepDone,
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("progress = %v, want %v", steps, want)
		}
	}
	if startedData == nil {
		t.Fatal("started step carries no data")
	}
	if count, _ := startedData["messagesCount"].(int); count != 2 {
		t.Errorf("messagesCount = %v", startedData["messagesCount"])
	}
	if _, ok := startedData["tokensInput"].(int64); !ok {
		t.Errorf("tokensInput = %v", startedData["tokensInput"])
	}
}

func TestCompactRefusedWhileLocked(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t)
	lock, err := f.manager.Locks().Acquire(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	if err := f.runner.Compact(context.Background(), sess.ID); err != ErrSessionLocked {
		t.Fatalf("err = %v, want ErrSessionLocked", err)
	}
}
