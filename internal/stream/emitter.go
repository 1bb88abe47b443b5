package stream

import (
	"sync"
	"time"
)

// Emitter is the producer side of a turn's output stream. It enforces
// the stream contract: events arrive in emission order, and exactly one
// Done event closes the stream no matter how many code paths try to
// finish the turn. Emissions after Done are silently dropped.
//
// Safe for concurrent use, though the loop emits from a single
// goroutine in practice.
type Emitter struct {
	mu   sync.Mutex
	ch   chan Event
	done bool
}

// NewEmitter creates an emitter with the given channel buffer. A
// generous buffer keeps the loop from stalling on a slow consumer
// during bursts of tool activity.
func NewEmitter(bufSize int) *Emitter {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Emitter{ch: make(chan Event, bufSize)}
}

// Events returns the consumer side of the stream. The channel is
// closed after the Done event.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Text emits a narration chunk. Empty chunks are suppressed.
func (e *Emitter) Text(text string) {
	if text == "" {
		return
	}
	e.emit(Event{Type: TypeText, Text: text})
}

// ToolCall announces a tool dispatch, carrying the call's arguments.
func (e *Emitter) ToolCall(callID, name string, args map[string]any) {
	e.emit(Event{Type: TypeToolCall, ToolCallID: callID, ToolName: name, Args: args})
}

// ToolResult reports a tool outcome, carrying the result payload.
func (e *Emitter) ToolResult(callID, name, result string, isError bool, d time.Duration) {
	e.emit(Event{
		Type:       TypeToolResult,
		ToolCallID: callID,
		ToolName:   name,
		Result:     result,
		IsError:    isError,
		Duration:   d,
	})
}

// NewTurn marks an internally triggered loop continuation.
func (e *Emitter) NewTurn() {
	e.emit(Event{Type: TypeNewTurn})
}

// Done terminates the stream with the given outcome and closes the
// channel. Only the first call has effect; later calls are no-ops, so
// every exit path of the loop can call Done without coordination.
func (e *Emitter) Done(ev Event) {
	ev.Type = TypeDone
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	select {
	case e.ch <- ev:
	default:
		// Buffer full with the consumer behind: evict the oldest
		// pending event to make room. Done must always land.
		select {
		case <-e.ch:
		default:
		}
		e.ch <- ev
	}
	close(e.ch)
}

// Closed reports whether Done has been emitted.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	select {
	case e.ch <- ev:
	default:
		// Consumer fell too far behind; drop rather than deadlock the
		// loop. Done is handled separately and is never dropped.
	}
}
