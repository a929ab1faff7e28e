// Package connwatch checks that the agent's dependencies answer. A
// [Tester] runs the one-shot connection test behind the settings
// screen; [Watcher]s track the active provider and the host bridge in
// the background while the agent serves.
//
// A watcher probes in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling, publishing a bus event on every
//     healthy/unhealthy transition
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/httpkit"
)

// Probe checks whether a service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first retry delay; each retry multiplies it by
	// Factor up to Max.
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	// Attempts is the number of startup probes before falling back to
	// polling every Poll.
	Attempts int
	Poll     time.Duration

	// Timeout bounds each probe.
	Timeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s, ... capped at 60s, with ten
// startup attempts and one-minute polling.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  2 * time.Second,
		Max:      time.Minute,
		Factor:   2,
		Attempts: 10,
		Poll:     time.Minute,
		Timeout:  httpkit.ProbeTimeout,
	}
}

// withDefaults replaces zero fields with [DefaultBackoff] values.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

func (b Backoff) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Factor)
	return min(delay, b.Max)
}

// Status is a watcher's view of its service.
type Status struct {
	Service   string    `json:"service"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	service string
	probe   Probe
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	known     bool // at least one transition was published
	healthy   bool
	lastErr   error
	checkedAt time.Time
}

// Watch starts a watcher for service. It runs until ctx is cancelled
// or Stop is called.
func Watch(ctx context.Context, service string, probe Probe, b Backoff, bus *events.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		service: service,
		probe:   probe,
		backoff: b.withDefaults(),
		bus:     bus,
		logger:  logger.With("component", "connwatch", "service", service),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Healthy reports whether the last probe succeeded.
func (w *Watcher) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Service: w.service, Healthy: w.healthy, CheckedAt: w.checkedAt}
	if w.lastErr != nil {
		s.Error = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	for attempt := 1; ; attempt++ {
		err := w.check(ctx, attempt < w.backoff.Attempts)
		if err == nil {
			w.logger.Info("service connected", "after_attempts", attempt)
			break
		}
		if attempt >= w.backoff.Attempts {
			w.logger.Info("startup probes failed, entering background polling",
				"attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("startup probe failed, retrying",
			"attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = w.backoff.next(delay)
	}

	ticker := time.NewTicker(w.backoff.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx, false)
		}
	}
}

// check runs one bounded probe and records its outcome, publishing an
// event when health changed. A quiet failure is recorded but not
// published; startup uses it for attempts that will be retried.
func (w *Watcher) check(ctx context.Context, quiet bool) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	healthy := err == nil
	w.mu.Lock()
	changed := !w.known || w.healthy != healthy
	w.healthy = healthy
	w.lastErr = err
	w.checkedAt = time.Now()
	publish := changed && (healthy || !quiet)
	if publish {
		w.known = true
	}
	w.mu.Unlock()

	if !publish {
		return err
	}
	if err == nil {
		w.logger.Info("service healthy")
		w.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{"service": w.service})
	} else {
		w.logger.Warn("service unreachable", "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.service,
			"error":   err.Error(),
		})
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Group holds the watchers started by one process.
type Group struct {
	mu       sync.Mutex
	watchers []*Watcher
}

// Add registers w.
func (g *Group) Add(w *Watcher) *Watcher {
	g.mu.Lock()
	g.watchers = append(g.watchers, w)
	g.mu.Unlock()
	return w
}

// Status returns every watcher's status keyed by service.
func (g *Group) Status() map[string]Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Status, len(g.watchers))
	for _, w := range g.watchers {
		out[w.service] = w.Status()
	}
	return out
}

// Stop stops every watcher.
func (g *Group) Stop() {
	g.mu.Lock()
	ws := g.watchers
	g.watchers = nil
	g.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
