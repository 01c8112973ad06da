package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/permission"
	"github.com/kilnhq/kiln/internal/provider"
	"github.com/kilnhq/kiln/internal/session"
	"github.com/kilnhq/kiln/internal/storage"
	"github.com/kilnhq/kiln/internal/tool"
	"github.com/kilnhq/kiln/pkg/protocol"
)

type fakeProvider struct {
	mu      sync.Mutex
	scripts [][]provider.Event
}

func (p *fakeProvider) ID() string { return "test" }

func (p *fakeProvider) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scripts) == 0 {
		return nil, errors.New("no script")
	}
	events := p.scripts[0]
	p.scripts = p.scripts[1:]
	return &fakeStream{events: events}, nil
}

type fakeStream struct {
	events []provider.Event
	i      int
}

func (s *fakeStream) Recv() (provider.Event, error) {
	if s.i >= len(s.events) {
		return provider.Event{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

type fixture struct {
	bus      *bus.Bus
	sessions *session.Manager
	srv      *Server
	ts       *httptest.Server
	prov     *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFile(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	t.Cleanup(b.Close)

	cfg, err := config.NewService(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Update(func(c *config.Config) {
		c.Defaults.Model = "test/fake"
		c.Defaults.Agent = "default"
	}); err != nil {
		t.Fatal(err)
	}

	log := session.NewLog(store, b)
	locks := session.NewLocks(b)
	manager := session.NewManager(store, b, log, locks)
	t.Cleanup(locks.Shutdown)

	broker := permission.NewBroker(b, permission.Options{Config: cfg, ParentOf: manager.ParentOf})
	t.Cleanup(broker.Shutdown)

	prov := &fakeProvider{}
	providers := provider.NewRegistry(config.ProvidersConfig{})
	providers.Register(prov)

	runner := session.NewRunner(b, session.RunnerOptions{
		Sessions:  manager,
		Config:    cfg,
		Providers: providers,
		Tools:     tool.NewRegistry(),
		Broker:    broker,
		Workdir:   dir,
	})

	srv := New(Options{Config: cfg, Bus: b, Sessions: manager, Runner: runner, Broker: broker})
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)

	return &fixture{bus: b, sessions: manager, srv: srv, ts: ts, prov: prov}
}

func (f *fixture) scriptText(text string) {
	f.prov.mu.Lock()
	f.prov.scripts = append(f.prov.scripts, []provider.Event{
		{Type: provider.EventTextDelta, Text: text},
		{Type: provider.EventTextEnd},
		{Type: provider.EventStepFinish, Usage: &provider.Usage{Input: 10, Output: 5}, FinishReason: "stop"},
	})
	f.prov.mu.Unlock()
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) createSession(t *testing.T) session.Info {
	t.Helper()
	resp := f.post(t, "/session", map[string]any{"title": "test"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var info session.Info
	decodeBody(t, resp, &info)
	return info
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)

	resp := f.get(t, "/session/"+info.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got session.Info
	decodeBody(t, resp, &got)
	if got.ID != info.ID || got.Title != "test" {
		t.Errorf("got %+v", got)
	}

	resp = f.get(t, "/session")
	var list []session.Info
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/session/"+info.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp = f.get(t, "/session/"+info.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
}

func TestPromptEndToEnd(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)
	f.scriptText("hello from the model")

	resp := f.post(t, "/session/"+info.ID+"/prompt", map[string]any{"text": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prompt status = %d", resp.StatusCode)
	}
	var msg message.Message
	decodeBody(t, resp, &msg)
	if msg.Role != message.RoleAssistant || msg.Error != nil {
		t.Fatalf("msg = %+v", msg)
	}

	resp = f.get(t, "/session/"+info.ID+"/message")
	var msgs []message.WithParts
	decodeBody(t, resp, &msgs)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	var text string
	for _, part := range msgs[1].Parts {
		if part.Type == message.PartText {
			text = part.Text
		}
	}
	if text != "hello from the model" {
		t.Errorf("text = %q", text)
	}
}

func TestPromptValidation(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)

	resp := f.post(t, "/session/"+info.ID+"/prompt", map[string]any{"text": ""})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty text status = %d", resp.StatusCode)
	}

	resp = f.post(t, "/session/ses_missing/prompt", map[string]any{"text": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d", resp.StatusCode)
	}
}

func TestPromptConflictWhileLocked(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)
	lock, err := f.sessions.Locks().Acquire(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	resp := f.post(t, "/session/"+info.ID+"/prompt", map[string]any{"text": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAbortEndpoint(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)

	resp := f.post(t, "/session/"+info.ID+"/abort", map[string]any{})
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["aborted"] != false {
		t.Errorf("idle abort = %v", body)
	}

	resp = f.post(t, "/session/ses_missing/abort", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d", resp.StatusCode)
	}
}

func TestRevertValidation(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)

	resp := f.post(t, "/session/"+info.ID+"/revert", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing messageID status = %d", resp.StatusCode)
	}
}

func TestAgentSwitchEndpoint(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)

	resp := f.post(t, "/session/"+info.ID+"/agent", map[string]any{"agent": "nope"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown agent status = %d", resp.StatusCode)
	}

	resp = f.post(t, "/session/"+info.ID+"/agent", map[string]any{"agent": "readonly", "graceful": true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("switch status = %d", resp.StatusCode)
	}
	if agent, ok := f.sessions.Locks().PeekSwitch(info.ID); !ok || agent != "readonly" {
		t.Errorf("pending switch = %q %v", agent, ok)
	}
}

func TestPermissionRespondValidation(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)

	resp := f.post(t, "/permission/respond", map[string]any{"sessionID": info.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing permissionID status = %d", resp.StatusCode)
	}

	// Responding to an unknown permission is a no-op, not an error.
	resp = f.post(t, "/permission/respond", map[string]any{
		"sessionID":    info.ID,
		"permissionID": "per_unknown",
		"response":     "once",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unknown permission status = %d", resp.StatusCode)
	}
}

func TestTodoEndpoints(t *testing.T) {
	f := newFixture(t)
	info := f.createSession(t)

	resp := f.get(t, "/todo/"+info.ID)
	var todos []session.Todo
	decodeBody(t, resp, &todos)
	if len(todos) != 0 {
		t.Errorf("fresh todos = %+v", todos)
	}

	resp = f.post(t, "/todo/"+info.ID, []session.Todo{
		{Content: "one", Status: session.TodoPending},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	resp = f.post(t, "/todo/"+info.ID, []session.Todo{{Content: "x", Status: "bogus"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status code = %d", resp.StatusCode)
	}

	resp = f.get(t, "/todo/"+info.ID)
	decodeBody(t, resp, &todos)
	if len(todos) != 1 || todos[0].Content != "one" {
		t.Errorf("todos = %+v", todos)
	}
}

func TestSSEStreamsEvents(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/event", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the subscriber a moment to register, then publish.
	time.Sleep(50 * time.Millisecond)
	f.bus.Publish(protocol.EventSessionUpdated, map[string]any{"id": "ses_x"})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
			t.Fatal(err)
		}
		if env.Type != protocol.EventSessionUpdated {
			t.Fatalf("event type = %q", env.Type)
		}
		return
	}
	t.Fatalf("no event received: %v", scanner.Err())
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	f.bus.Publish(protocol.EventTodoUpdated, map[string]any{"sessionID": "ses_x"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.EventTodoUpdated {
		t.Fatalf("event type = %q", env.Type)
	}
}

func TestRateLimiter(t *testing.T) {
	f := newFixture(t)
	// Rebuild with a tiny limit; burst floor is 5.
	if err := f.srv.cfg.Update(func(c *config.Config) { c.Server.RateLimitRPM = 1 }); err != nil {
		t.Fatal(err)
	}
	srv := New(Options{
		Config: f.srv.cfg, Bus: f.bus, Sessions: f.sessions,
		Runner: f.srv.runner, Broker: f.srv.broker,
	})
	ts := httptest.NewServer(srv.BuildMux())
	defer ts.Close()

	var limited bool
	for i := 0; i < 10; i++ {
		resp, err := http.Get(ts.URL + "/session")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("rate limiter never engaged")
	}
}

func TestUnknownSessionPaths(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/session/ses_missing",
		"/session/ses_missing/message",
		"/session/ses_missing/permission",
		"/todo/ses_missing",
	} {
		resp := f.get(t, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, resp.StatusCode)
		}
	}
}
