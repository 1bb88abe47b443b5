// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (turn loop, model gateway,
// playbook relay, usage ledger) to subscribers (WebSocket monitor, MQTT
// mirror). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the turn execution loop.
	SourceAgent = "agent"
	// SourceGateway identifies events from the model gateway.
	SourceGateway = "gateway"
	// SourcePlaybook identifies events from the playbook relay.
	SourcePlaybook = "playbook"
	// SourceUsage identifies events from the usage ledger.
	SourceUsage = "usage"
	// SourceSession identifies events from session lifecycle handling.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a turn.
	// Data: request_id, session_id, playbook.
	KindRequestStart = "request_start"
	// KindModelCall signals the start of a model invocation.
	// Data: request_id, iter, provider, model, mode.
	KindModelCall = "model_call"
	// KindModelResponse signals completion of a model invocation.
	// Data: request_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindModelResponse = "model_response"
	// KindDowngrade signals the gateway dropped to a reduced mode.
	// Data: request_id, from, to.
	KindDowngrade = "downgrade"
	// KindToolCall signals the start of a tool dispatch.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool dispatch.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindNodeStatus signals a playbook node status report.
	// Data: request_id, node_id, status.
	KindNodeStatus = "node_status"
	// KindLimitReached signals the usage guard denied an action.
	// Data: request_id, session_id, used, limit.
	KindLimitReached = "limit_reached"
	// KindStopRequested signals a cooperative stop was flagged.
	// Data: session_id.
	KindStopRequested = "stop_requested"
	// KindRequestComplete signals the end of a turn.
	// Data: request_id, iterations, total_tokens_in, total_tokens_out,
	// stop_reason, elapsed_ms.
	KindRequestComplete = "request_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
