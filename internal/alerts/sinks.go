package alerts

import (
	"context"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/mqtt"
)

// BusSink publishes alerts on the event bus.
type BusSink struct {
	Bus *events.Bus
}

// Deliver implements [Sink].
func (s BusSink) Deliver(_ context.Context, a Alert) error {
	s.Bus.Emit(events.SourceAlerts, events.KindAlert, map[string]any{
		"alert_id": a.ID,
		"trigger":  a.Trigger,
		"title":    a.Title,
		"body":     a.Body,
		"action":   a.Action,
	})
	return nil
}

// JSONPublisher is satisfied by [mqtt.Publisher].
type JSONPublisher interface {
	PublishJSON(ctx context.Context, suffix string, v any, retain bool) error
}

// MQTTSink publishes alerts to the broker's alert topic.
type MQTTSink struct {
	Publisher JSONPublisher
}

// Deliver implements [Sink].
func (s MQTTSink) Deliver(ctx context.Context, a Alert) error {
	return s.Publisher.PublishJSON(ctx, mqtt.TopicAlert, a, false)
}

// Namespace and key under which the last firing time is persisted.
const (
	StateNamespace = "alerts"
	StateLastFired = "last_fired"
)

// TimeStore is satisfied by [opstate.Store].
type TimeStore interface {
	GetTime(namespace, key string) (time.Time, error)
	SetTime(namespace, key string, t time.Time) error
}

// StateSink records each alert's timestamp so the cooldown survives a
// restart. Pair it with [RestoreCooldown] at startup.
type StateSink struct {
	Store TimeStore
}

// Deliver implements [Sink].
func (s StateSink) Deliver(_ context.Context, a Alert) error {
	return s.Store.SetTime(StateNamespace, StateLastFired, a.Timestamp)
}

// RestoreCooldown loads the persisted last firing time into c.
func RestoreCooldown(c *Cooldown, store TimeStore) error {
	t, err := store.GetTime(StateNamespace, StateLastFired)
	if err != nil {
		return err
	}
	c.Restore(t)
	return nil
}
