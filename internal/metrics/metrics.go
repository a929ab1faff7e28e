// Package metrics exposes Prometheus collectors for the agent. The
// collectors are fed from the event bus so no component imports this
// package directly.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/engine"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
)

const namespace = "alto"

// Metrics holds the registered collectors.
type Metrics struct {
	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	actions       *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	engineState   *prometheus.GaugeVec
	cachePurges   prometheus.Counter
	blockedStores prometheus.Counter
	serviceUp     *prometheus.GaugeVec
}

// MustNew creates the collectors and registers them with reg. It
// panics on registration conflicts, like promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Conversation turns by provider and outcome.",
		}, []string{"provider", "outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a conversation turn, dispatch included.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "dispatched_total",
			Help:      "Dispatched actions by id and success.",
		}, []string{"action", "success"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "fired_total",
			Help:      "Proactive alerts emitted by trigger.",
		}, []string{"trigger"}),
		engineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "state",
			Help:      "1 for the local engine's current state, 0 otherwise.",
		}, []string{"state"}),
		cachePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cache_purges_total",
			Help:      "Persistent store purges.",
		}),
		blockedStores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cache_stores_blocked_total",
			Help:      "Store deletions refused because the store was in use.",
		}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connwatch",
			Name:      "service_up",
			Help:      "1 when the watched service answered its last probe.",
		}, []string{"service"}),
	}
	reg.MustRegister(m.turns, m.turnDuration, m.actions, m.alerts,
		m.engineState, m.cachePurges, m.blockedStores, m.serviceUp)
	m.setEngineState(engine.StateUninitialized.String())
	return m
}

// Observe updates the collectors from one event. Unknown events are
// ignored.
func (m *Metrics) Observe(e events.Event) {
	if m == nil {
		return
	}
	switch e.Kind {
	case events.KindTurnComplete:
		provider := str(e.Data["provider"])
		outcome := "ok"
		if msg := str(e.Data["error"]); msg != "" {
			outcome = "error"
		}
		m.turns.WithLabelValues(provider, outcome).Inc()
		if ms, ok := e.Data["elapsed_ms"].(int64); ok {
			m.turnDuration.WithLabelValues(provider).Observe(float64(ms) / 1000)
		}
	case events.KindActionDispatched:
		ok, _ := e.Data["success"].(bool)
		m.actions.WithLabelValues(str(e.Data["action"]), strconv.FormatBool(ok)).Inc()
	case events.KindAlert:
		m.alerts.WithLabelValues(str(e.Data["trigger"])).Inc()
	case events.KindEngineState:
		m.setEngineState(str(e.Data["to"]))
	case events.KindCachePurge:
		m.cachePurges.Inc()
		if blocked, ok := e.Data["blocked"].([]string); ok {
			m.blockedStores.Add(float64(len(blocked)))
		}
	case events.KindServiceUp:
		m.serviceUp.WithLabelValues(str(e.Data["service"])).Set(1)
	case events.KindServiceDown:
		m.serviceUp.WithLabelValues(str(e.Data["service"])).Set(0)
	}
}

func (m *Metrics) setEngineState(current string) {
	for _, s := range []engine.State{engine.StateUninitialized, engine.StateLoading, engine.StateReady, engine.StateFailed} {
		v := 0.0
		if s.String() == current {
			v = 1
		}
		m.engineState.WithLabelValues(s.String()).Set(v)
	}
}

// Consume feeds the collectors from bus until ctx is cancelled.
func (m *Metrics) Consume(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Serve exposes reg on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
