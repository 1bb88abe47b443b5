// Package agent implements the turn execution loop: invoke the model,
// execute requested tools in order, feed results back, and repeat
// until a terminal condition. The loop owns all error handling except
// fatal gateway failures; the conversation is the only channel through
// which the model learns about failures.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/session"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/stream"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/tools"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/usage"
)

const (
	// Hard bounds on the per-turn iteration cap supplied by the request.
	minIterationCap = 1
	maxIterationCap = 200

	// continuationCeiling bounds autonomous-mode continuations so an
	// "infinite" session still terminates eventually.
	continuationCeiling = 50

	// failureBudget aborts the turn after this many consecutive tool
	// execution failures.
	failureBudget = 3

	// promissoryWindow is the iteration range in which narration-only
	// responses promising action are challenged instead of accepted.
	promissoryWindow = 3
)

// completionPhrases end an autonomous run when found in a no-tool-call
// response. Matched case-insensitively.
var completionPhrases = []string{
	"[complete]",
	"done with the task",
	"accomplished",
	"completed",
	"complete",
	"finished",
}

// promissoryPhrases mark a response that announces future action
// without taking any.
var promissoryPhrases = []string{
	"i will",
	"i'll",
	"let me",
	"i'm going to",
	"going to",
}

const (
	continuationPrompt = "Continue working toward the objective. Take the next concrete action using your tools. If everything is genuinely finished, say so explicitly using the word \"complete\"."
	correctivePrompt   = "You described what you intend to do but did not call any tool. Do not narrate intentions; call the appropriate tool now."
	toolFailurePrompt  = "The last tool call failed. Review the error, correct the arguments or choose a different approach, and try again."
	quotaNotice        = "Daily usage limit reached. No further actions can be executed today."
)

// Params carries everything one turn needs. The loop does not create
// any of its collaborators; the session controller wires them.
type Params struct {
	RequestID    string
	Session      *session.Session
	Conversation *llm.Conversation
	Gateway      *llm.Gateway
	Registry     *tools.Registry
	Guard        *usage.Guard
	Emitter      *stream.Emitter
	Bus          *events.Bus
	Store        *usage.Store // optional token ledger
	Logger       *slog.Logger

	Speed         tools.Speed
	MaxIterations int
	InfiniteMode  bool
}

// Outcome is the terminal result of one turn. The same information is
// carried by the stream's Done event; callers that do not consume the
// stream use this.
type Outcome struct {
	StopReason stream.StopReason
	Iterations int
	TokensIn   int
	TokensOut  int
	Err        error
}

// Loop executes turns.
type Loop struct {
	logger *slog.Logger
}

// NewLoop creates a turn executor.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{logger: logger.With("component", "agent")}
}

// Run executes one turn to completion. Exactly one Done event is
// emitted on the params' stream, on every path.
func (l *Loop) Run(ctx context.Context, p Params) Outcome {
	if p.RequestID == "" {
		if id, err := uuid.NewV7(); err == nil {
			p.RequestID = id.String()
		}
	}
	logger := l.logger.With("request_id", p.RequestID)
	start := time.Now()

	maxIter := p.MaxIterations
	if maxIter < minIterationCap {
		maxIter = minIterationCap
	}
	if maxIter > maxIterationCap {
		maxIter = maxIterationCap
	}

	p.Bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data: map[string]any{
			"request_id": p.RequestID,
			"session_id": p.Session.ID,
			"tools":      p.Registry.Len(),
		},
	})
	logger.Info("turn started",
		"session_id", p.Session.ID,
		"max_iterations", maxIter,
		"infinite", p.InfiniteMode,
		"tools", p.Registry.Len())

	st := &turnState{
		p:       p,
		logger:  logger,
		maxIter: maxIter,
	}
	out := st.run(ctx)

	p.Emitter.Done(stream.Event{
		StopReason: out.StopReason,
		Error:      errString(out.Err),
		Iterations: out.Iterations,
		TokensIn:   out.TokensIn,
		TokensOut:  out.TokensOut,
	})
	p.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRequestComplete,
		Data: map[string]any{
			"request_id":       p.RequestID,
			"iterations":       out.Iterations,
			"total_tokens_in":  out.TokensIn,
			"total_tokens_out": out.TokensOut,
			"stop_reason":      string(out.StopReason),
			"elapsed_ms":       time.Since(start).Milliseconds(),
		},
	})
	logger.Info("turn finished",
		"stop_reason", out.StopReason,
		"iterations", out.Iterations,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"error", out.Err)
	return out
}

// turnState is the mutable state of one running turn.
type turnState struct {
	p       Params
	logger  *slog.Logger
	maxIter int

	iter          int // resets on autonomous continuation
	total         int // monotonic, for logging and the outcome
	continuations int
	consecFails   int
	tokensIn      int
	tokensOut     int
}

func (s *turnState) run(ctx context.Context) Outcome {
	p := s.p

	for {
		// Cancellation checkpoint at the top of every iteration.
		if reason, stopped := s.checkStop(ctx); stopped {
			return s.outcome(reason, nil)
		}
		if s.iter >= s.maxIter {
			return s.outcome(stream.StopMaxIterations, nil)
		}
		s.iter++
		s.total++

		resp, err := s.invokeModel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.outcome(stream.StopCancelled, nil)
			}
			return s.outcome(stream.StopError, err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			if out, done := s.handleNarrationOnly(resp); done {
				return out
			}
			continue
		}

		p.Conversation.Append(resp.Message)
		if out, done := s.executeToolCalls(ctx, resp.Message.ToolCalls); done {
			return out
		}
	}
}

// invokeModel calls the gateway and accounts for token usage.
func (s *turnState) invokeModel(ctx context.Context) (*llm.ChatResponse, error) {
	p := s.p

	p.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGateway,
		Kind:      events.KindModelCall,
		Data: map[string]any{
			"request_id": p.RequestID,
			"iter":       s.total,
			"mode":       p.Gateway.Mode().String(),
		},
	})

	resp, err := p.Gateway.Invoke(ctx, p.Conversation, p.Registry.Specs())
	if err != nil {
		s.logger.Error("model invocation failed", "iter", s.total, "error", err)
		return nil, err
	}

	s.tokensIn += resp.InputTokens
	s.tokensOut += resp.OutputTokens
	s.recordUsage(resp)

	p.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGateway,
		Kind:      events.KindModelResponse,
		Data: map[string]any{
			"request_id": p.RequestID,
			"iter":       s.total,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		},
	})
	return resp, nil
}

// handleNarrationOnly processes a response without tool calls. Returns
// done=false when the loop should continue with another iteration.
func (s *turnState) handleNarrationOnly(resp *llm.ChatResponse) (Outcome, bool) {
	p := s.p
	narration := Narrate(resp)

	p.Conversation.Append(resp.Message)
	p.Emitter.Text(narration)

	completed := containsAny(narration, completionPhrases) ||
		containsAny(resp.Message.Content, completionPhrases)

	// A response that merely promises action this early in the turn is
	// challenged, not accepted as final.
	if !completed && s.total <= promissoryWindow && containsAny(narration, promissoryPhrases) {
		s.logger.Debug("challenging promissory narration", "iter", s.total)
		p.Conversation.Append(llm.Message{Role: "user", Content: correctivePrompt})
		return Outcome{}, false
	}

	if p.InfiniteMode && !completed {
		if s.continuations >= continuationCeiling {
			s.logger.Info("continuation ceiling reached", "continuations", s.continuations)
			return s.outcome(stream.StopMaxIterations, nil), true
		}
		s.continuations++
		s.iter = 0
		p.Conversation.Append(llm.Message{Role: "user", Content: continuationPrompt})
		p.Emitter.NewTurn()
		s.logger.Debug("autonomous continuation injected", "continuation", s.continuations)
		return Outcome{}, false
	}

	return s.outcome(stream.StopCompleted, nil), true
}

// executeToolCalls runs one response's tool calls strictly in order.
// Every call is answered in the conversation, including calls that are
// never executed because of quota exhaustion or cancellation.
func (s *turnState) executeToolCalls(ctx context.Context, calls []llm.ToolCall) (Outcome, bool) {
	p := s.p

	for i, call := range calls {
		verdict := p.Guard.Admit(p.Session.ID, p.RequestID, call.Name)
		if !verdict.Allowed {
			// Rejected pre-execution: answer this call and the rest of
			// the batch in the conversation, but emit no result
			// notices, then terminate the turn.
			s.answerUnexecuted(calls[i:], quotaNotice)
			p.Emitter.Text(quotaNotice)
			p.Bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceUsage,
				Kind:      events.KindLimitReached,
				Data: map[string]any{
					"request_id": p.RequestID,
					"session_id": p.Session.ID,
					"used":       verdict.Used,
					"limit":      verdict.Limit,
				},
			})
			return s.outcome(stream.StopLimitReached, nil), true
		}

		p.Emitter.ToolCall(call.ID, call.Name, call.Arguments)
		p.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindToolCall,
			Data:      map[string]any{"request_id": p.RequestID, "tool": call.Name},
		})

		res := p.Registry.Dispatch(ctx, call, tools.DispatchOptions{
			Speed:    p.Speed,
			NoImages: p.Gateway.VisionDisabled(),
		})

		p.Conversation.Append(llm.Message{
			Role:       "tool",
			ToolCallID: res.ToolCallID,
			Content:    res.Content,
			Images:     res.Images,
		})
		p.Emitter.ToolResult(res.ToolCallID, call.Name, res.Content, res.IsError, res.Duration)
		p.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindToolDone,
			Data: map[string]any{
				"request_id":  p.RequestID,
				"tool":        call.Name,
				"ok":          !res.IsError,
				"duration_ms": res.Duration.Milliseconds(),
			},
		})

		if res.IsError {
			s.consecFails++
			s.logger.Warn("tool call failed",
				"tool", call.Name, "consecutive", s.consecFails)
			p.Conversation.Append(llm.Message{Role: "user", Content: toolFailurePrompt})
			if s.consecFails >= failureBudget {
				s.answerUnexecuted(calls[i+1:], "Aborted: too many consecutive tool failures.")
				err := fmt.Errorf("%d consecutive tool failures", s.consecFails)
				return s.outcome(stream.StopToolFailures, err), true
			}
		} else {
			s.consecFails = 0
		}

		// Cancellation checkpoint after every individual tool call. A
		// stop observed here resolves the remaining calls without
		// executing them.
		if reason, stopped := s.checkStop(ctx); stopped {
			s.answerUnexecuted(calls[i+1:], "Not executed: stopped by user.")
			return s.outcome(reason, nil), true
		}
	}
	return Outcome{}, false
}

// answerUnexecuted appends an error tool result for calls that will
// never run, keeping the one-result-per-call invariant intact.
func (s *turnState) answerUnexecuted(calls []llm.ToolCall, msg string) {
	for _, call := range calls {
		s.p.Conversation.Append(llm.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    fmt.Sprintf(`{"success":false,"error":%q}`, msg),
		})
	}
}

func (s *turnState) checkStop(ctx context.Context) (stream.StopReason, bool) {
	if ctx.Err() != nil {
		return stream.StopCancelled, true
	}
	if s.p.Session.StopRequested() {
		return stream.StopCancelled, true
	}
	return "", false
}

func (s *turnState) recordUsage(resp *llm.ChatResponse) {
	if s.p.Store == nil {
		return
	}
	rec := usage.Record{
		RequestID:    s.p.RequestID,
		SessionID:    s.p.Session.ID,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	logger := s.logger
	store := s.p.Store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Record(ctx, rec); err != nil {
			logger.Warn("recording token usage failed", "error", err)
		}
	}()
}

func (s *turnState) outcome(reason stream.StopReason, err error) Outcome {
	return Outcome{
		StopReason: reason,
		Iterations: s.total,
		TokensIn:   s.tokensIn,
		TokensOut:  s.tokensOut,
		Err:        err,
	}
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
