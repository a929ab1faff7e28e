// Package events provides the broadcast bus that carries operational
// events out of the orchestration layer: engine load progress, turn and
// action lifecycle, proactive alerts, and provider health transitions.
// Publishing on a nil *Bus is a no-op so components never need guards.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceEngine    = "engine"
	SourceAgent     = "agent"
	SourceActions   = "actions"
	SourceAlerts    = "alerts"
	SourceConnwatch = "connwatch"
)

// Kinds describe the event within a source.
const (
	// KindEngineProgress carries a load progress line.
	// Data: phase, percent, text.
	KindEngineProgress = "engine_progress"
	// KindEngineState signals an engine state transition.
	// Data: from, to, error.
	KindEngineState = "engine_state"
	// KindCachePurge signals a persistent store purge.
	// Data: stores, blocked, failed.
	KindCachePurge = "cache_purge"

	// KindTurnStart and KindTurnComplete bracket one conversation turn.
	// Data: turn_id, provider, follow_up / action, elapsed_ms.
	KindTurnStart    = "turn_start"
	KindTurnComplete = "turn_complete"

	// KindActionDispatched signals an action result.
	// Data: turn_id, action, success, summary.
	KindActionDispatched = "action_dispatched"

	// KindAlert carries a proactive alert.
	// Data: alert_id, trigger, title, body, action.
	KindAlert = "alert"

	// KindServiceUp and KindServiceDown report provider reachability.
	// Data: service, error.
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers that fall behind
// miss events instead of stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to the
	// channel we own, so Unsubscribe can close it.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with buffer room. A zero
// Timestamp is filled with the current time.
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

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of future events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
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
