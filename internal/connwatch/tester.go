package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/httpkit"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/llm"
)

// Report is the outcome of a connection test.
type Report struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	LatencyMs int64  `json:"latency_ms"`
}

// Tester checks a provider configuration without touching any
// conversation state. HTTP providers get a bounded reachability
// request; the local kind gets a full engine load timed to readiness.
type Tester struct {
	engine  llm.EngineLoader
	timeout time.Duration
	logger  *slog.Logger
}

// NewTester creates a tester. engine may be nil when the local kind is
// never tested.
func NewTester(engine llm.EngineLoader, logger *slog.Logger) *Tester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tester{
		engine:  engine,
		timeout: httpkit.ProbeTimeout,
		logger:  logger.With("component", "connwatch"),
	}
}

// Test probes the backend described by cfg.
func (t *Tester) Test(ctx context.Context, cfg config.ProviderConfig) Report {
	if err := cfg.Validate(); err != nil {
		return Report{Message: err.Error()}
	}

	start := time.Now()
	if cfg.Kind == config.KindLocal {
		return t.testLocal(ctx, start)
	}

	p, err := llm.NewProvider(cfg, nil, t.logger)
	if err != nil {
		return Report{Message: err.Error()}
	}
	pingCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err = p.Ping(pingCtx)
	latency := time.Since(start).Milliseconds()

	rep := Report{OK: err == nil, LatencyMs: latency}
	if err == nil {
		rep.Message = fmt.Sprintf("Connected to %s (%s) in %d ms.", p.Name(), cfg.Model, latency)
	} else {
		rep.Message = t.describe(cfg, err)
	}
	t.logger.Info("connection test finished",
		"kind", cfg.Kind, "endpoint", cfg.Endpoint, "ok", rep.OK, "latency_ms", latency)
	return rep
}

func (t *Tester) testLocal(ctx context.Context, start time.Time) Report {
	if t.engine == nil {
		return Report{Message: "Local engine is not available in this build."}
	}
	_, err := t.engine.Load(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		t.logger.Warn("local engine test failed", "error", err)
		return Report{Message: "Local engine failed to start: " + err.Error(), LatencyMs: latency}
	}
	return Report{
		OK:        true,
		Message:   fmt.Sprintf("Local engine ready in %.1fs.", float64(latency)/1000),
		LatencyMs: latency,
	}
}

// describe turns a ping failure into a message naming the likely fix.
func (t *Tester) describe(cfg config.ProviderConfig, err error) string {
	var pe *llm.ProviderError
	status := 0
	if errors.As(err, &pe) {
		status = pe.Status
	}
	switch llm.KindOf(err) {
	case llm.ErrAuth:
		return fmt.Sprintf("Authentication failed (HTTP %d). Check the API key.", status)
	case llm.ErrRateLimit:
		return "Rate limited (HTTP 429). Try again in a minute."
	case llm.ErrUnsupported:
		return fmt.Sprintf("Endpoint %s answered HTTP %d. Check the URL.", cfg.Endpoint, status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("No response from %s within %s.", cfg.Endpoint, t.timeout)
	}
	if status != 0 {
		return fmt.Sprintf("Endpoint %s answered HTTP %d.", cfg.Endpoint, status)
	}
	if httpkit.IsDialError(err) {
		return fmt.Sprintf("Could not connect to %s. Is the server running?", cfg.Endpoint)
	}
	return fmt.Sprintf("Could not reach %s: %v", cfg.Endpoint, err)
}
