package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic_SystemExtraction(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "You are a browser automation agent."},
		{Role: "system", Content: "Playbook instructions follow."},
		{Role: "user", Content: "Start"},
	}

	converted, system := convertToAnthropic(msgs)
	if len(converted) != 1 {
		t.Fatalf("messages = %d, want 1", len(converted))
	}
	want := "You are a browser automation agent.\n\nPlaybook instructions follow."
	if system != want {
		t.Errorf("system = %q, want %q", system, want)
	}
}

func TestConvertToAnthropic_ToolResultWithImage(t *testing.T) {
	msgs := []Message{
		{Role: "tool", Content: "screenshot captured", ToolCallID: "toolu_1",
			Images: []Image{{MediaType: "image/png", Data: "aGVsbG8="}}},
	}

	converted, _ := convertToAnthropic(msgs)
	if len(converted) != 1 {
		t.Fatalf("messages = %d, want 1", len(converted))
	}
	if converted[0].Role != "user" {
		t.Errorf("role = %q, want user", converted[0].Role)
	}
	blocks, ok := converted[0].Content.([]anthropicContent)
	if !ok || len(blocks) != 1 || blocks[0].Type != "tool_result" {
		t.Fatalf("unexpected content shape: %+v", converted[0].Content)
	}
	inner, ok := blocks[0].Content.([]anthropicContent)
	if !ok || len(inner) != 2 {
		t.Fatalf("tool_result inner blocks = %+v", blocks[0].Content)
	}
	if inner[0].Type != "text" || inner[1].Type != "image" {
		t.Errorf("inner block types = %q, %q", inner[0].Type, inner[1].Type)
	}
	if inner[1].Source == nil || inner[1].Source.MediaType != "image/png" {
		t.Errorf("image source = %+v", inner[1].Source)
	}
}

func TestConvertToAnthropic_AssistantToolCallsGetIDs(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", Content: "clicking now", ToolCalls: []ToolCall{
			{Name: "click", Arguments: map[string]any{"selector": "#a"}},
		}},
	}

	converted, _ := convertToAnthropic(msgs)
	blocks := converted[0].Content.([]anthropicContent)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if blocks[1].Type != "tool_use" || blocks[1].ID == "" {
		t.Errorf("tool_use block missing synthesized ID: %+v", blocks[1])
	}
}

func TestConvertFromAnthropic_ThinkingBecomesReasoning(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-sonnet-4",
		Content: []anthropicContent{
			{Type: "thinking", Thinking: "The user wants the page opened."},
			{Type: "text", Text: "Opening it now."},
			{Type: "tool_use", ID: "toolu_9", Name: "navigate", Input: map[string]any{"url": "https://example.com"}},
		},
		Usage: anthropicUsage{InputTokens: 10, OutputTokens: 20},
	}

	got := convertFromAnthropic(resp)
	if got.Reasoning != "The user wants the page opened." {
		t.Errorf("Reasoning = %q", got.Reasoning)
	}
	if got.Message.Content != "Opening it now." {
		t.Errorf("Content = %q", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].Name != "navigate" {
		t.Errorf("ToolCalls = %+v", got.Message.ToolCalls)
	}
}

func TestAnthropicChat_WireFormat(t *testing.T) {
	var gotBody anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)

		json.NewEncoder(w).Encode(anthropicResponse{
			Model:   "claude-sonnet-4",
			Role:    "assistant",
			Content: []anthropicContent{{Type: "text", Text: "ok"}},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", srv.URL, nil)
	resp, err := c.Chat(context.Background(), &ChatRequest{
		Model:           "claude-sonnet-4",
		Messages:        []Message{{Role: "user", Content: "hi"}},
		Tools:           []ToolSpec{{Name: "navigate", Description: "go to a url"}},
		EnableReasoning: true,
	})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if gotBody.Thinking == nil || gotBody.Thinking.Type != "enabled" {
		t.Errorf("thinking not requested: %+v", gotBody.Thinking)
	}
	if len(gotBody.Tools) != 1 || gotBody.Tools[0].Name != "navigate" {
		t.Errorf("tools = %+v", gotBody.Tools)
	}
	if gotBody.MaxTokens <= anthropicThinkingBudget {
		t.Errorf("max_tokens %d must exceed thinking budget %d", gotBody.MaxTokens, anthropicThinkingBudget)
	}
}

func TestAnthropicChat_ErrorIncludesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", srv.URL, nil)
	_, err := c.Chat(context.Background(), &ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if classify(err) != classRateLimit {
		t.Errorf("429 error should classify as rate limit, got %v", err)
	}
}
