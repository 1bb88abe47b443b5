// Package stream carries the one-directional output of a turn from the
// execution loop to its consumer (SSE handler, test harness). Events
// describe narration text, tool activity, loop continuations, and the
// terminal outcome. The channel is engine-to-consumer only; consumers
// influence a running turn exclusively through the session stop flag.
package stream

import "time"

// Type discriminates the event union.
type Type string

// Event types emitted during a turn.
const (
	// TypeText is a chunk of user-facing narration.
	TypeText Type = "text"
	// TypeToolCall announces that a tool is about to execute.
	TypeToolCall Type = "tool_call"
	// TypeToolResult reports the outcome of a tool execution.
	TypeToolResult Type = "tool_result"
	// TypeNewTurn marks an internally triggered continuation of the
	// loop, so consumers can visually separate loop segments.
	TypeNewTurn Type = "new_turn"
	// TypeDone terminates the stream. Exactly one Done event ends
	// every turn, success or failure.
	TypeDone Type = "done"
)

// StopReason explains why a turn ended.
type StopReason string

// Terminal outcomes carried by the Done event.
const (
	// StopCompleted means the model declared the task finished.
	StopCompleted StopReason = "completed"
	// StopMaxIterations means the iteration ceiling was reached.
	StopMaxIterations StopReason = "max_iterations"
	// StopCancelled means the user's stop flag or a context
	// cancellation interrupted the turn.
	StopCancelled StopReason = "cancelled"
	// StopLimitReached means the usage guard exhausted the quota.
	StopLimitReached StopReason = "limit_reached"
	// StopToolFailures means the consecutive tool-failure budget ran out.
	StopToolFailures StopReason = "tool_failures"
	// StopError means the model gateway failed unrecoverably.
	StopError StopReason = "error"
)

// Event is one element of the output stream. Type selects which
// fields are meaningful.
type Event struct {
	Type Type `json:"type"`

	// Text narration (TypeText).
	Text string `json:"text,omitempty"`

	// Tool activity (TypeToolCall, TypeToolResult). Args carries the
	// call's argument object; Result carries the JSON payload handed
	// back to the model, so consumers can render both sides of every
	// dispatch.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Duration   time.Duration  `json:"duration_ms,omitempty"`

	// Terminal outcome (TypeDone).
	StopReason StopReason `json:"stop_reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	Iterations int        `json:"iterations,omitempty"`
	TokensIn   int        `json:"tokens_in,omitempty"`
	TokensOut  int        `json:"tokens_out,omitempty"`
}
