package permission

import (
	"context"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/pkg/protocol"
)

func TestAction(t *testing.T) {
	cfg := config.PermissionConfig{
		Edit:     config.ActionAllow,
		Webfetch: config.ActionDeny,
		Bash: config.BashPermission{
			"*":      config.ActionAsk,
			"echo *": config.ActionAllow,
			"rm *":   config.ActionDeny,
		},
	}

	tests := []struct {
		name     string
		permType string
		keys     []string
		want     string
	}{
		{"edit allow", TypeEdit, []string{"edit"}, config.ActionAllow},
		{"write follows edit", TypeWrite, []string{"write"}, config.ActionAllow},
		{"webfetch deny", TypeWebfetch, []string{"webfetch"}, config.ActionDeny},
		{"websearch default ask", TypeWebsearch, []string{"websearch"}, config.ActionAsk},
		{"bash specific allow beats star", TypeBash, []string{"echo hi"}, config.ActionAllow},
		{"bash star ask", TypeBash, []string{"git status"}, config.ActionAsk},
		{"bash deny wins", TypeBash, []string{"rm -rf /"}, config.ActionDeny},
		{"bash deny wins across keys", TypeBash, []string{"echo hi", "rm x"}, config.ActionDeny},
		{"ask-user always asks", TypeAskUser, []string{"ask-user"}, config.ActionAsk},
		{"pin always asks", TypePin, []string{"pin"}, config.ActionAsk},
		{"network default ask", TypeNetwork, []string{"example.com"}, config.ActionAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Action(cfg, tt.permType, tt.keys); got != tt.want {
				t.Errorf("Action(%s, %v) = %s, want %s", tt.permType, tt.keys, got, tt.want)
			}
		})
	}
}

func TestGateAllowSkipsBroker(t *testing.T) {
	b := bus.New()
	defer b.Close()
	events, cancel := b.SubscribeChan(8, protocol.EventPermissionUpdated)
	defer cancel()

	gate := NewGate(NewBroker(b, Options{}), config.PermissionConfig{Edit: config.ActionAllow})
	if err := gate.Ask(context.Background(), Request{Type: TypeEdit, SessionID: "ses_1"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("allow published %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateDenyRejectsWithoutAsking(t *testing.T) {
	b := bus.New()
	defer b.Close()
	gate := NewGate(NewBroker(b, Options{}), config.PermissionConfig{
		Bash: config.BashPermission{"rm *": config.ActionDeny},
	})
	err := gate.Ask(context.Background(), Request{
		Type: TypeBash, Pattern: []string{"rm *"}, SessionID: "ses_1",
	})
	if !IsRejected(err) {
		t.Fatalf("Ask = %v, want rejection", err)
	}
}

func TestGateAskSuspendsOnBroker(t *testing.T) {
	b := bus.New()
	defer b.Close()
	events, cancel := b.SubscribeChan(8, protocol.EventPermissionUpdated)
	defer cancel()

	broker := NewBroker(b, Options{ReminderDelay: time.Hour})
	gate := NewGate(broker, config.PermissionConfig{Bash: config.BashPermission{"*": config.ActionAsk}})

	done := make(chan error, 1)
	go func() {
		done <- gate.Ask(context.Background(), Request{
			Type: TypeBash, Pattern: []string{"echo *"}, SessionID: "ses_1", Title: "echo hi",
		})
	}()
	ev := waitEvent(t, events, protocol.EventPermissionUpdated)
	info := ev.Properties.(Info)
	if err := broker.Respond("ses_1", info.ID, protocol.PermissionResponse{Type: protocol.ResponseOnce}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Ask: %v", err)
	}
}
