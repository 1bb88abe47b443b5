package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/tidwall/gjson"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/config"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
)

// placeholderRe matches an unresolved {{...}} template token anywhere
// in the serialized argument JSON.
var placeholderRe = regexp.MustCompile(`\{\{[^{}]*\}\}`)

// Result is the outcome of dispatching one tool call. Exactly one
// Result exists per ToolCall, including rejections and failures — the
// model is never left waiting on an unanswered call.
type Result struct {
	ToolCallID string
	Content    string // JSON payload handed back to the model
	Images     []llm.Image
	IsError    bool
	Duration   time.Duration
}

// DispatchOptions control pacing and vision for one dispatch.
type DispatchOptions struct {
	Speed Speed
	// NoImages drops image attachments from tool output, set once the
	// session's model has rejected image input.
	NoImages bool
}

// Dispatch executes one tool call with the engine's preconditions:
//
//  1. Reject if the serialized arguments contain an unresolved
//     {{...}} placeholder.
//  2. Reject if the tool name is unknown.
//  3. Otherwise invoke, capture payload/duration/error, and apply the
//     category settle delay scaled by the session speed.
//
// Rejections and failures produce an error Result, never a panic or a
// missing answer.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, opts DispatchOptions) Result {
	argsJSON := call.ArgumentsJSON()

	if token := placeholderRe.FindString(argsJSON); token != "" {
		err := &ErrUnresolvedPlaceholder{Token: token}
		r.logger.Warn("rejecting tool call with unresolved placeholder",
			"tool", call.Name, "token", token)
		return errorResult(call.ID, err.Error())
	}

	desc, ok := r.Resolve(call.Name)
	if !ok {
		err := &ErrUnknownTool{Name: call.Name}
		r.logger.Warn("rejecting call to unknown tool", "tool", call.Name)
		return errorResult(call.ID, err.Error())
	}

	r.logger.Debug("executing tool", "tool", call.Name)
	r.logger.Log(ctx, config.LevelTrace, "tool arguments", "tool", call.Name, "args", argsJSON)

	start := time.Now()
	out, err := desc.Invoke(ctx, call.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("tool execution failed",
			"tool", call.Name, "duration_ms", elapsed.Milliseconds(), "error", err)
		res := errorResult(call.ID, err.Error())
		res.Duration = elapsed
		return res
	}

	res := Result{
		ToolCallID: call.ID,
		Content:    normalizePayload(out.Content),
		Duration:   elapsed,
	}
	if !opts.NoImages {
		res.Images = out.Images
	}

	r.logger.Debug("tool execution complete",
		"tool", call.Name, "duration_ms", elapsed.Milliseconds())

	// Settle delay paces side-effecting actions so the automated
	// surface can catch up before the next call lands.
	settle(ctx, desc.Category, opts.Speed)

	return res
}

// normalizePayload enforces the tool result contract: a JSON object is
// passed through untouched, anything else is wrapped as a successful
// plain-text message.
func normalizePayload(content string) string {
	if gjson.Valid(content) && gjson.Parse(content).IsObject() {
		return content
	}
	wrapped, _ := json.Marshal(map[string]any{
		"success": true,
		"message": content,
	})
	return string(wrapped)
}

// errorResult builds the structured failure payload for a call.
func errorResult(callID, msg string) Result {
	payload, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   msg,
	})
	return Result{
		ToolCallID: callID,
		Content:    string(payload),
		IsError:    true,
	}
}

// settle sleeps for the category delay scaled by the speed multiplier,
// returning early on context cancellation.
func settle(ctx context.Context, c Category, s Speed) {
	d := time.Duration(float64(c.baseDelay()) * s.Multiplier())
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
