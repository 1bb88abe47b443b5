// Package llm provides LLM provider clients and the model gateway.
package llm

import (
	"encoding/json"
	"strings"
)

// Message represents one turn in a conversation.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Images     []Image    `json:"images,omitempty"`       // Screenshots attached to tool results
}

// Image is a base64-encoded image attached to a tool result.
type Image struct {
	MediaType string `json:"media_type"` // e.g. image/png
	Data      string `json:"data"`       // base64 payload, no data: prefix
}

// ToolCall is a tool invocation requested by the model. Immutable once
// issued; the ID correlates the eventual tool result back to this call.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the serialized argument object. Returns "{}"
// for nil arguments so callers always get valid JSON.
func (tc ToolCall) ArgumentsJSON() string {
	if tc.Arguments == nil {
		return "{}"
	}
	data, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema for the arguments object
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model           string
	Messages        []Message
	Tools           []ToolSpec
	MaxTokens       int
	EnableReasoning bool // request extended thinking where the provider supports it
}

// ChatResponse is the unified response from any LLM provider. Wire
// format conversion happens at provider boundaries (anthropic.go,
// openai.go).
type ChatResponse struct {
	Model     string
	Message   Message
	Reasoning string // thinking/reasoning text, when the provider returned one

	InputTokens  int
	OutputTokens int
}

// Empty reports whether the model produced neither text nor tool calls.
// Empty responses are retried by the gateway before downgrading.
func (r *ChatResponse) Empty() bool {
	if r == nil {
		return true
	}
	return strings.TrimSpace(r.Message.Content) == "" &&
		strings.TrimSpace(r.Reasoning) == "" &&
		len(r.Message.ToolCalls) == 0
}

// Conversation is the mutable ordered message sequence for one request.
// It is owned by a single agent loop and never shared across sessions.
type Conversation struct {
	Messages []Message
}

// Append adds messages to the end of the conversation.
func (c *Conversation) Append(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
}

// StripImages removes all image attachments from the conversation,
// returning the number of images removed. Used when the active model
// rejects image input: the history is scrubbed once and subsequent tool
// results arrive text-only.
func (c *Conversation) StripImages() int {
	n := 0
	for i := range c.Messages {
		if len(c.Messages[i].Images) > 0 {
			n += len(c.Messages[i].Images)
			c.Messages[i].Images = nil
		}
	}
	return n
}
