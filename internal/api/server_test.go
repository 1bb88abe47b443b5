package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/remote"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/session"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/stream"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/tools"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedLLM returns queued responses in order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	index     int
}

func (c *scriptedLLM) Chat(_ context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index >= len(c.responses) {
		return nil, fmt.Errorf("scriptedLLM: no response for call %d", c.index)
	}
	resp := c.responses[c.index]
	c.index++
	return resp, nil
}

func (c *scriptedLLM) Ping(context.Context) error { return nil }

func newTestServer(client llm.Client, providers ...tools.Provider) *Server {
	return NewServer(Options{
		Listen:    "127.0.0.1:0",
		Sessions:  session.NewManager(testLogger()),
		Remote:    remote.NewClient(""),
		Guard:     usage.NewGuard(nil, usage.Profile{DailyLimit: 1000}, testLogger()),
		Bus:       events.New(),
		Providers: providers,
		Logger:    testLogger(),
		NewClient: func(llm.EffectiveConfig, *slog.Logger) (llm.Client, error) {
			return client, nil
		},
	})
}

func turnBody(t *testing.T, req TurnRequest) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}

// parseSSE extracts the JSON payloads from an SSE body.
func parseSSE(t *testing.T, body io.Reader) []stream.Event {
	t.Helper()
	var evs []stream.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		evs = append(evs, ev)
	}
	return evs
}

func basicTurn() TurnRequest {
	return TurnRequest{
		SessionID: "sess-1",
		Conversation: []llm.Message{
			{Role: "user", Content: "collect the leads"},
		},
		ModelConfig:   &llm.ModelConfig{ProviderType: "anthropic", ModelID: "test-model", APIKey: "sk-test"},
		ToolsEnabled:  true,
		MaxIterations: 5,
	}
}

func TestTurnStreamsEventsAndDone(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Model: "test-model", Message: llm.Message{Role: "assistant", Content: "Task is complete."}},
	}}
	srv := newTestServer(client)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turn", turnBody(t, basicTurn())))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	evs := parseSSE(t, rec.Body)
	if len(evs) == 0 {
		t.Fatal("no events streamed")
	}
	last := evs[len(evs)-1]
	if last.Type != stream.TypeDone || last.StopReason != stream.StopCompleted {
		t.Errorf("last event = %+v", last)
	}
	var doneCount int
	for _, ev := range evs {
		if ev.Type == stream.TypeDone {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Errorf("done events = %d, want 1", doneCount)
	}
}

func TestTurnExecutesTools(t *testing.T) {
	var calls []string
	echo := tools.StaticProvider(&tools.Descriptor{
		Name:     "echo",
		Category: tools.CategoryInspection,
		Invoke: func(ctx context.Context, args map[string]any) (*tools.Output, error) {
			calls = append(calls, "echo")
			return &tools.Output{Content: `{"success":true}`}, nil
		},
	})
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Model: "test-model", Message: llm.Message{
			Role:      "assistant",
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo"}},
		}},
		{Model: "test-model", Message: llm.Message{Role: "assistant", Content: "complete"}},
	}}
	srv := newTestServer(client, echo)

	req := basicTurn()
	req.Speed = "fast"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turn", turnBody(t, req)))

	evs := parseSSE(t, rec.Body)
	if len(calls) != 1 {
		t.Errorf("tool executed %d times, want 1", len(calls))
	}
	var sawCall, sawResult bool
	for _, ev := range evs {
		switch ev.Type {
		case stream.TypeToolCall:
			sawCall = ev.ToolName == "echo"
		case stream.TypeToolResult:
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("missing tool notices in %+v", evs)
	}
}

func TestTurnToolsDisabledHidesProviders(t *testing.T) {
	var calls []string
	echo := tools.StaticProvider(&tools.Descriptor{
		Name:     "echo",
		Category: tools.CategoryInspection,
		Invoke: func(ctx context.Context, args map[string]any) (*tools.Output, error) {
			calls = append(calls, "echo")
			return &tools.Output{Content: `{"success":true}`}, nil
		},
	})
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Model: "test-model", Message: llm.Message{
			Role:      "assistant",
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo"}},
		}},
		{Model: "test-model", Message: llm.Message{Role: "assistant", Content: "complete"}},
	}}
	srv := newTestServer(client, echo)

	req := basicTurn()
	req.ToolsEnabled = false
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turn", turnBody(t, req)))

	if len(calls) != 0 {
		t.Error("tool executed despite toolsEnabled=false")
	}
	// The call is still answered as unknown.
	evs := parseSSE(t, rec.Body)
	var sawErrorResult bool
	for _, ev := range evs {
		if ev.Type == stream.TypeToolResult && ev.IsError {
			sawErrorResult = true
		}
	}
	if !sawErrorResult {
		t.Error("expected an error tool result for the hidden tool")
	}
}

func TestTurnRejectsBadRequests(t *testing.T) {
	srv := newTestServer(&scriptedLLM{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{{{`},
		{"empty conversation", `{"sessionId":"s1","conversation":[]}`},
		{"no model source", `{"sessionId":"s1","conversation":[{"role":"user","content":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turn", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestTurnRebuildsGatewayOnModelSwitch(t *testing.T) {
	var built []string
	client := &scriptedLLM{responses: []*llm.ChatResponse{
		{Model: "model-a", Message: llm.Message{Role: "assistant", Content: "complete"}},
		{Model: "model-b", Message: llm.Message{Role: "assistant", Content: "complete"}},
		{Model: "model-b", Message: llm.Message{Role: "assistant", Content: "complete"}},
	}}
	srv := newTestServer(client)
	srv.newClient = func(cfg llm.EffectiveConfig, _ *slog.Logger) (llm.Client, error) {
		built = append(built, cfg.ModelID)
		return client, nil
	}

	turn := func(model string) {
		t.Helper()
		req := basicTurn()
		req.ModelConfig.ModelID = model
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/turn", turnBody(t, req)))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	}

	turn("model-a")
	turn("model-b") // same session, different model: client rebuilt
	turn("model-b") // unchanged config: gateway reused

	want := []string{"model-a", "model-b"}
	if len(built) != len(want) {
		t.Fatalf("clients built = %v, want %v", built, want)
	}
	for i, m := range want {
		if built[i] != m {
			t.Errorf("built[%d] = %q, want %q", i, built[i], m)
		}
	}

	sess, ok := srv.sessions.Get("sess-1")
	if !ok {
		t.Fatal("session missing")
	}
	if got := sess.Gateway().Config().ModelID; got != "model-b" {
		t.Errorf("session gateway model = %q, want model-b", got)
	}
}

func TestStopEndpointIsIdempotent(t *testing.T) {
	srv := newTestServer(&scriptedLLM{})
	srv.sessions.GetOrCreate("sess-1")

	for range 2 {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/stop", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp["acknowledged"] != true || resp["known_session"] != true {
			t.Errorf("response = %v", resp)
		}
	}

	// Unknown sessions are still acknowledged.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/ghost/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["acknowledged"] != true || resp["known_session"] != false {
		t.Errorf("response = %v", resp)
	}

	s, _ := srv.sessions.Get("sess-1")
	if !s.StopRequested() {
		t.Error("stop flag not raised")
	}
}

func TestCredentialsEndpoint(t *testing.T) {
	srv := newTestServer(&scriptedLLM{})

	body := strings.NewReader(`{"accessToken":"tok-new","refreshToken":"ref-new"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/sessions/sess-9/credentials", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	s, ok := srv.sessions.Get("sess-9")
	if !ok {
		t.Fatal("session not created")
	}
	creds := s.Credentials()
	if creds.Token != "tok-new" || creds.Extra["refresh_token"] != "ref-new" {
		t.Errorf("credentials = %+v", creds)
	}

	// Missing token is rejected.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/sessions/sess-9/credentials", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv := newTestServer(&scriptedLLM{})
	srv.guard.Admit("sess-1", "r_1", "click")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["today_actions"] != float64(1) {
		t.Errorf("today_actions = %v", resp["today_actions"])
	}
	if resp["remaining"] != float64(999) {
		t.Errorf("remaining = %v", resp["remaining"])
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(&scriptedLLM{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("version status = %d", rec.Code)
	}
}
