package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/collab"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/config"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/gateway"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/window"
)

const testToken = "test-token"

type fixture struct {
	store    *queue.Store
	bus      *bus.Bus
	window   *window.Store
	server   *gateway.Server
	handler  http.Handler
	notified chan struct{}
}

func newFixture(t *testing.T, tiers map[string]config.TierConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventBus := bus.New()
	store, err := queue.Open(filepath.Join(t.TempDir(), "testbench.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	win, err := window.New(store, eventBus, filepath.Join(t.TempDir(), "blobs"), window.Config{}, logger)
	if err != nil {
		t.Fatalf("window: %v", err)
	}

	notified := make(chan struct{}, 8)
	srv, err := gateway.New(gateway.Config{
		Store:     store,
		Agents:    collab.NewAgentDirectory(store),
		Gate:      collab.NewTierGate(store, tiers, logger),
		Window:    win,
		Bus:       eventBus,
		Notify:    func() { notified <- struct{}{} },
		AuthToken: testToken,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &fixture{
		store:    store,
		bus:      eventBus,
		window:   win,
		server:   srv,
		handler:  srv.Handler(),
		notified: notified,
	}
}

func (f *fixture) registerAgent(t *testing.T, id, model string) {
	t.Helper()
	if err := f.store.PutAgent(context.Background(), queue.Agent{ID: id, Model: model}); err != nil {
		t.Fatalf("put agent: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSubmitAcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent(t, "agent-1", "llama3")

	rec := f.do(t, http.MethodPost, "/v1/tests", map[string]any{
		"agent_id": "agent-1",
		"input":    "run the smoke suite",
		"user_id":  "user-1",
		"priority": 2,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != string(queue.StatusQueued) {
		t.Fatalf("status field = %v", body["status"])
	}
	execID, _ := body["test_id"].(string)
	if execID == "" {
		t.Fatal("missing test_id")
	}

	exec, err := f.store.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != queue.StatusQueued {
		t.Fatalf("execution status = %s", exec.Status)
	}
	pending, _ := f.store.CountEntriesByStatus(context.Background(), queue.EntryPending)
	if pending != 1 {
		t.Fatalf("pending entries = %d", pending)
	}

	select {
	case <-f.notified:
	default:
		t.Fatal("scheduler was not notified")
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, nil)

	cases := []map[string]any{
		{"agent_id": "agent-1", "user_id": "user-1"},
		{"agent_id": "", "input": "x", "user_id": "user-1"},
		{"agent_id": "a", "input": "x", "user_id": "u", "p": 1},
		{"agent_id": "a", "input": "x", "user_id": "u", "priority": 99},
	}
	for i, payload := range cases {
		rec := f.do(t, http.MethodPost, "/v1/tests", payload)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d: status = %d, body %s", i, rec.Code, rec.Body.String())
		}
	}
}

func TestSubmitUnknownAgent(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/tests", map[string]any{
		"agent_id": "ghost",
		"input":    "hello",
		"user_id":  "user-1",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitQuotaExceeded(t *testing.T) {
	f := newFixture(t, map[string]config.TierConfig{
		"free": {DailyTestLimit: 1},
	})
	f.registerAgent(t, "agent-1", "llama3")

	payload := map[string]any{
		"agent_id": "agent-1",
		"input":    "hello",
		"user_id":  "user-1",
		"tier":     "free",
	}
	rec := f.do(t, http.MethodPost, "/v1/tests", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first submit: status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["quota_remaining"] != float64(0) {
		t.Fatalf("first submit quota_remaining = %v, want 0", body["quota_remaining"])
	}

	rec = f.do(t, http.MethodPost, "/v1/tests", payload)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["remaining"] != float64(0) {
		t.Fatalf("quota payload = %v, want remaining 0", body)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/tests", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/tests", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}
}

func TestHealthzOpenWithoutToken(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["db_ok"] != true {
		t.Fatalf("db_ok = %v", body["db_ok"])
	}
}

func TestGetTestStatusIncludesEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent(t, "agent-1", "llama3")

	rec := f.do(t, http.MethodPost, "/v1/tests", map[string]any{
		"agent_id": "agent-1",
		"input":    "hello",
		"user_id":  "user-1",
	})
	execID := decodeBody(t, rec)["test_id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/tests/"+execID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	events, ok := body["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("expected events, got %v", body["events"])
	}
}

func TestGetTestNotFound(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/tests/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRegisterAgentEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/agents", map[string]any{
		"id":            "agent-9",
		"model":         "anthropic.claude-3-haiku",
		"system_prompt": "be terse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	agent, err := f.store.GetAgent(context.Background(), "agent-9")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Model != "anthropic.claude-3-haiku" {
		t.Fatalf("model = %s", agent.Model)
	}

	rec = f.do(t, http.MethodPost, "/v1/agents", map[string]any{"id": "", "model": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty register: status = %d", rec.Code)
	}
}

func TestConversationEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	convID, err := f.window.Ensure(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.window.Append(ctx, convID, queue.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.window.Wait()

	rec := f.do(t, http.MethodGet, "/v1/conversations/"+convID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("messages = %v", body["messages"])
	}

	rec = f.do(t, http.MethodGet, "/v1/conversations/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing conversation: status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["pending_entries"]; !ok {
		t.Fatalf("missing pending_entries: %v", body)
	}
}

func TestWSStreamsBusEvents(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?api_key=" + testToken + "&prefix=test."
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to register the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	f.bus.Publish(bus.TopicTestCompleted, bus.TestEvent{ExecutionID: "exec-1", Status: "COMPLETED"})

	var ev struct {
		Topic   string        `json:"topic"`
		Payload bus.TestEvent `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != bus.TopicTestCompleted || ev.Payload.ExecutionID != "exec-1" {
		t.Fatalf("event = %+v", ev)
	}
}
