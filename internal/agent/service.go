// Package agent runs conversation turns: it assembles the context,
// calls the active provider, parses the protocol out of the reply,
// dispatches at most one action, and forwards schedule directives to
// the host. A [Service] owns the provider configuration and swaps
// backends when it changes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/actions"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/engine"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/llm"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/prompts"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/protocol"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// ErrTurnInFlight is reported when Send is called while another turn
// is still running.
var ErrTurnInFlight = errors.New("a turn is already in progress")

// scheduleTimeout bounds each forwarded schedule_task call.
const scheduleTimeout = 30 * time.Second

// Engine is the local engine as the service sees it.
type Engine interface {
	llm.EngineLoader
	Unload() error
	Status() engine.Status
}

// Executor runs actions. Satisfied by [actions.Dispatcher].
type Executor interface {
	Execute(ctx context.Context, id string) actions.Result
}

// TaskScheduler forwards schedule directives to the host.
type TaskScheduler interface {
	ScheduleTask(ctx context.Context, cron, taskType string) (string, error)
}

// ProviderStore persists the provider configuration.
type ProviderStore interface {
	SaveProvider(cfg config.ProviderConfig) error
}

// ProviderFactory builds a provider for a configuration.
type ProviderFactory func(cfg config.ProviderConfig, loader llm.EngineLoader, logger *slog.Logger) (llm.Provider, error)

// Deps are the collaborators of a [Service]. Engine, Scheduler, Store
// and Bus may be nil.
type Deps struct {
	Provider  config.ProviderConfig
	Engine    Engine
	Telemetry telemetry.Source
	Actions   Executor
	Scheduler TaskScheduler
	Store     ProviderStore
	Parser    *protocol.Parser
	Persona   prompts.Persona
	Bus       *events.Bus
	Logger    *slog.Logger

	// NewProvider defaults to [llm.NewProvider].
	NewProvider ProviderFactory
}

// Turn is the outcome of one Send. Error is the user-facing failure
// message; when it is set, Reply is empty.
type Turn struct {
	ID         string                      `json:"id"`
	Provider   string                      `json:"provider"`
	Reply      string                      `json:"reply"`
	HTML       string                      `json:"html,omitempty"`
	FollowUp   bool                        `json:"follow_up,omitempty"`
	ActionKind string                      `json:"action_kind,omitempty"`
	Action     *actions.Result             `json:"action,omitempty"`
	Schedules  []protocol.Schedule         `json:"schedules,omitempty"`
	Rejected   []protocol.RejectedSchedule `json:"rejected_schedules,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Elapsed    time.Duration               `json:"elapsed"`
}

// Service runs turns against the active provider.
type Service struct {
	deps   Deps
	logger *slog.Logger

	busy atomic.Bool
	bg   sync.WaitGroup

	mu       sync.Mutex
	cfg      config.ProviderConfig
	provider llm.Provider
}

// New creates a service for deps.Provider.
func New(deps Deps) (*Service, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewProvider == nil {
		deps.NewProvider = llm.NewProvider
	}
	if deps.Parser == nil {
		deps.Parser = protocol.NewParser(nil)
	}
	if deps.Telemetry == nil || deps.Actions == nil {
		return nil, errors.New("agent: telemetry and actions are required")
	}
	s := &Service{deps: deps, logger: deps.Logger.With("component", "agent")}

	p, err := s.build(deps.Provider)
	if err != nil {
		return nil, err
	}
	s.cfg = deps.Provider
	s.provider = p
	return s, nil
}

func (s *Service) build(cfg config.ProviderConfig) (llm.Provider, error) {
	var loader llm.EngineLoader
	if s.deps.Engine != nil {
		loader = s.deps.Engine
	}
	return s.deps.NewProvider(cfg, loader, s.deps.Logger)
}

// ProviderConfig returns the active configuration.
func (s *Service) ProviderConfig() config.ProviderConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) current() (config.ProviderConfig, llm.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.provider
}

// SaveProviderConfig validates cfg, persists it and makes it active.
// Switching away from the local kind unloads the engine before the new
// provider is used.
func (s *Service) SaveProviderConfig(cfg config.ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := s.build(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deps.Store != nil {
		if err := s.deps.Store.SaveProvider(cfg); err != nil {
			return fmt.Errorf("save provider config: %w", err)
		}
	}
	if s.cfg.Kind == config.KindLocal && cfg.Kind != config.KindLocal && s.deps.Engine != nil {
		if err := s.deps.Engine.Unload(); err != nil {
			s.logger.Warn("engine unload on provider switch failed", "error", err)
		}
	}
	s.logger.Info("provider configuration changed",
		"from", s.cfg.Kind, "to", cfg.Kind, "endpoint", cfg.Endpoint, "model", cfg.Model)
	s.cfg = cfg
	s.provider = p
	return nil
}

// Probe checks the active provider for the background watcher. The
// local engine is never loaded by a probe; it counts as healthy unless
// its last load failed.
func (s *Service) Probe(ctx context.Context) error {
	cfg, p := s.current()
	if cfg.Kind == config.KindLocal {
		if s.deps.Engine == nil {
			return errors.New("no local engine")
		}
		st := s.deps.Engine.Status()
		if st.State == engine.StateFailed {
			return st.Err
		}
		return nil
	}
	return p.Ping(ctx)
}

// Send runs one turn over msgs. It never returns an error; failures
// are reported in Turn.Error. msgs is not modified.
func (s *Service) Send(ctx context.Context, msgs []llm.Message) (turn Turn) {
	start := time.Now()
	turn.ID = newID()

	if !s.busy.CompareAndSwap(false, true) {
		turn.Error = userMessage(ErrTurnInFlight)
		return turn
	}
	defer s.busy.Store(false)

	_, provider := s.current()
	turn.Provider = provider.Name()
	turn.FollowUp = isFollowUpTurn(msgs)
	s.deps.Bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"turn_id":   turn.ID,
		"provider":  turn.Provider,
		"follow_up": turn.FollowUp,
	})
	defer func() {
		turn.Elapsed = time.Since(start)
		s.complete(turn)
	}()

	snap := s.deps.Telemetry.Snapshot()
	conv := prompts.Assemble(snap, s.deps.Persona, msgs)
	s.logger.Debug("turn assembled",
		"turn_id", turn.ID, "provider", turn.Provider, "messages", len(conv), "follow_up", turn.FollowUp)

	raw, err := provider.Send(ctx, conv)
	if err != nil {
		s.logger.Warn("provider call failed", "turn_id", turn.ID, "provider", turn.Provider, "error", err)
		turn.Error = userMessage(err)
		return turn
	}

	parsed := s.deps.Parser.Parse(raw, turn.FollowUp)
	turn.Reply = parsed.Display
	turn.Rejected = parsed.Rejected
	for _, r := range parsed.Rejected {
		s.logger.Info("schedule directive rejected", "line", r.Line, "reason", r.Reason)
	}
	if html, err := RenderHTML(parsed.Display); err == nil {
		turn.HTML = html
	} else {
		s.logger.Debug("render reply failed", "error", err)
	}

	if parsed.Action.Found() {
		turn.ActionKind = parsed.Action.Kind.String()
		if turn.FollowUp {
			s.logger.Info("action suppressed on follow-up turn",
				"turn_id", turn.ID, "action", parsed.Action.ID)
		} else {
			res := s.deps.Actions.Execute(ctx, parsed.Action.ID)
			turn.Action = &res
			s.deps.Bus.Emit(events.SourceActions, events.KindActionDispatched, map[string]any{
				"turn_id": turn.ID,
				"action":  res.ActionID,
				"kind":    turn.ActionKind,
				"success": res.Success,
				"summary": res.Summary,
			})
		}
	}

	if len(parsed.Schedules) > 0 {
		turn.Schedules = parsed.Schedules
		s.forward(ctx, turn.ID, parsed.Schedules)
	}
	return turn
}

func (s *Service) complete(turn Turn) {
	data := map[string]any{
		"turn_id":    turn.ID,
		"provider":   turn.Provider,
		"elapsed_ms": turn.Elapsed.Milliseconds(),
	}
	if turn.Action != nil {
		data["action"] = turn.Action.ActionID
	}
	if turn.Error != "" {
		data["error"] = turn.Error
	}
	s.deps.Bus.Emit(events.SourceAgent, events.KindTurnComplete, data)
	s.logger.Info("turn complete",
		"turn_id", turn.ID,
		"provider", turn.Provider,
		"elapsed", turn.Elapsed.Round(time.Millisecond),
		"action", data["action"],
		"failed", turn.Error != "",
	)
}

// forward hands schedule directives to the host without waiting for
// the acknowledgements. Failures are logged only.
func (s *Service) forward(ctx context.Context, turnID string, schedules []protocol.Schedule) {
	if s.deps.Scheduler == nil {
		s.logger.Warn("schedule directives dropped, no host scheduler", "turn_id", turnID, "count", len(schedules))
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for _, sc := range schedules {
			callCtx, cancel := context.WithTimeout(ctx, scheduleTimeout)
			id, err := s.deps.Scheduler.ScheduleTask(callCtx, sc.Cron, sc.Task)
			cancel()
			if err != nil {
				s.logger.Warn("schedule forward failed",
					"turn_id", turnID, "cron", sc.Cron, "task", sc.Task, "error", err)
				continue
			}
			s.logger.Info("task scheduled", "turn_id", turnID, "cron", sc.Cron, "task", sc.Task, "job_id", id)
		}
	}()
}

// Close waits for forwarded schedules to finish.
func (s *Service) Close() {
	s.bg.Wait()
}

// FollowUpNotice builds the synthetic user message that reports a
// completed action back to the model. A turn over a conversation that
// ends with it dispatches nothing.
func FollowUpNotice(r actions.Result) llm.Message {
	status := "succeeded"
	if !r.Success {
		status = "failed"
	}
	return llm.Message{
		Role: llm.RoleUser,
		Content: fmt.Sprintf("%s The action %s %s: %s\nBriefly tell the user what happened. Do not output another ACTION.",
			prompts.FollowUpMarker, r.ActionID, status, r.Summary),
	}
}

// isFollowUpTurn reports whether the conversation ends with a
// follow-up notice.
func isFollowUpTurn(msgs []llm.Message) bool {
	i := llm.LastUser(msgs)
	return i >= 0 && i == len(msgs)-1 && prompts.IsFollowUp(msgs[i])
}

// userMessage turns a turn failure into text for the chat.
func userMessage(err error) string {
	var cfgErr *config.ConfigurationError
	var initErr *engine.InitError
	switch {
	case errors.Is(err, ErrTurnInFlight):
		return "I'm still working on your previous message. Please wait for it to finish."
	case errors.As(err, &cfgErr):
		return "The AI provider is not fully configured (" + cfgErr.Error() + "). Check Settings."
	case errors.As(err, &initErr):
		if initErr.CacheCorruption {
			return "The local AI engine could not start, even after clearing its cache. Try Reset Engine Cache in Settings, or switch to another provider."
		}
		return "The local AI engine could not start: " + initErr.Err.Error()
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	}
	switch llm.KindOf(err) {
	case llm.ErrAuth:
		return "The AI provider rejected the credentials. Check the API key in Settings."
	case llm.ErrRateLimit:
		return "The AI provider is rate limiting requests. Wait a moment and try again."
	case llm.ErrUnsupported:
		return "The AI provider does not support this request. Check the endpoint and model in Settings."
	case llm.ErrEngine:
		return "The local AI engine failed: " + err.Error()
	default:
		return "I couldn't reach the AI provider. Check your connection and try again."
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
