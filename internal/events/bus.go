// Package events provides a publish/subscribe bus for turn activity.
// The agent runners publish what they do (model calls, tool calls,
// trims, nudges, breaker trips) and subscribers such as the WebSocket
// handler and the MQTT bridge forward it. Publishing on a nil *Bus is a
// no-op, so runners never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	// SourceTextLoop is the explicit text-convention loop.
	SourceTextLoop = "text_loop"
	// SourceNative is the native tool-calling adapter.
	SourceNative = "native"
	// SourceMCP is the MCP gateway.
	SourceMCP = "mcp"
	// SourceConnwatch is the dependency health watcher.
	SourceConnwatch = "connwatch"
)

// Kinds describe what happened.
const (
	// KindTurnStart: session_id, model, messages.
	KindTurnStart = "turn_start"
	// KindLLMCall: session_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse: session_id, iter, model, tokens_in, tokens_out,
	// tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall: session_id, tool, description.
	KindToolCall = "tool_call"
	// KindToolDone: session_id, tool, ok, timed_out, duration_ms.
	KindToolDone = "tool_done"
	// KindOverflow: session_id, model, max_tokens, used_tokens, retry.
	KindOverflow = "overflow"
	// KindTrimmed: session_id, before, after, budget, trimmed.
	KindTrimmed = "trimmed"
	// KindNudge: session_id, iter, reason (incomplete_setup or
	// hallucination).
	KindNudge = "nudge"
	// KindBreakerTripped: session_id, consecutive, aborted.
	KindBreakerTripped = "breaker_tripped"
	// KindSummary: session_id, outcome (summary, corrected, fallback,
	// empty).
	KindSummary = "summary"
	// KindTurnComplete: session_id, model, iterations, tool_calls,
	// tokens_in, tokens_out, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindServerConnected: server, tools.
	KindServerConnected = "server_connected"
	// KindServiceUp: service, attempts.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is a single published event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events instead of
// blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to
	// the channel the bus sends on.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given
// buffer. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
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
