// Package alerts raises proactive notifications from the telemetry
// picture: sustained CPU load, memory pressure, and accumulated junk.
// A single process-wide [Cooldown] keeps alerts at least one window
// apart no matter how many triggers are true.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// Alert is one emitted notification.
type Alert struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Action    string    `json:"action,omitempty"` // suggested action ID
	Timestamp time.Time `json:"ts"`
}

// Cooldown is the minimum spacing between two emitted alerts.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
}

// NewCooldown returns a cooldown that has never fired.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window}
}

// TryFire reports whether an alert may fire at now and, if so, records
// now as the last firing. A refused attempt leaves the timestamp alone.
func (c *Cooldown) TryFire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.IsZero() && now.Sub(c.last) < c.window {
		return false
	}
	c.last = now
	return true
}

// LastFired returns the time of the last emitted alert, or zero.
func (c *Cooldown) LastFired() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Restore sets the last firing time, typically from persisted state.
// A time older than the current one is ignored.
func (c *Cooldown) Restore(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}

// Sink receives emitted alerts.
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// Scheduler evaluates triggers on a fixed interval.
type Scheduler struct {
	source   telemetry.Source
	triggers []Trigger
	sinks    []Sink
	cooldown *Cooldown
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler builds a scheduler with the default triggers for cfg.
func NewScheduler(cfg config.AlertsConfig, source telemetry.Source, sinks []Sink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		source:   source,
		triggers: DefaultTriggers(cfg),
		sinks:    sinks,
		cooldown: NewCooldown(cfg.Cooldown),
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "alerts"),
	}
}

// Cooldown exposes the scheduler's shared cooldown.
func (s *Scheduler) Cooldown() *Cooldown { return s.cooldown }

// Run evaluates triggers every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("alert scheduler started",
		"interval", s.interval, "triggers", len(s.triggers), "sinks", len(s.sinks))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Evaluate(ctx, s.now())
		}
	}
}

// Evaluate walks the triggers in priority order. The first true
// trigger that clears the cooldown is delivered to every sink, and no
// further trigger is considered this tick. Every trigger before it
// still sees the snapshot so sample counters stay current.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) (Alert, bool) {
	snap := s.source.Snapshot()
	for _, t := range s.triggers {
		a, ok := t.Check(snap)
		if !ok {
			continue
		}
		if !s.cooldown.TryFire(now) {
			s.logger.Debug("alert suppressed by cooldown",
				"trigger", t.Name(), "last_fired", s.cooldown.LastFired())
			continue
		}
		if r, ok := t.(resetter); ok {
			r.Reset()
		}

		a.Trigger = t.Name()
		a.Timestamp = now
		if id, err := uuid.NewV7(); err == nil {
			a.ID = id.String()
		}
		s.deliver(ctx, a)
		return a, true
	}
	return Alert{}, false
}

func (s *Scheduler) deliver(ctx context.Context, a Alert) {
	s.logger.Info("alert fired", "trigger", a.Trigger, "title", a.Title)
	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			s.logger.Warn("alert delivery failed", "trigger", a.Trigger, "error", err)
		}
	}
}
