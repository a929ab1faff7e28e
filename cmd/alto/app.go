package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/actions"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/agent"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/bridge"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/engine"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/opstate"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/prompts"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/protocol"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// stateFile is the operational state database inside the data dir.
const stateFile = "alto.db"

// bridgeDialTimeout bounds the initial bridge connection of one-shot
// commands. serve keeps retrying through its health watcher.
const bridgeDialTimeout = 5 * time.Second

// openState opens the operational state store, creating the data
// directory on first use.
func openState(cfg *config.Config) (*opstate.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := opstate.Open(filepath.Join(cfg.DataDir, stateFile))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return store, nil
}

// activeProvider returns the saved provider configuration if one
// exists, else the one from the config file.
func activeProvider(cfg *config.Config, store *opstate.Store) (config.ProviderConfig, bool, error) {
	saved, ok, err := store.LoadProvider()
	if err != nil {
		return config.ProviderConfig{}, false, err
	}
	if ok {
		return saved, true, nil
	}
	return cfg.Provider, false, nil
}

// engineModel picks the weights file the local runtime loads: the
// active provider's model when it is local, else the config file's.
func engineModel(cfg *config.Config, active config.ProviderConfig) string {
	if active.Kind == config.KindLocal && active.Model != "" {
		return active.Model
	}
	if cfg.Provider.Kind == config.KindLocal && cfg.Provider.Model != "" {
		return cfg.Provider.Model
	}
	return config.Default().Provider.Model
}

// engineCache returns the runtime's persistent stores. Weights that
// cannot be downloaded again are never purged.
func engineCache(cfg *config.Config) engine.DirCache {
	cache := engine.DirCache{Root: cfg.Engine.CacheDir}
	if cfg.Engine.ModelURL == "" {
		cache.Preserve = []string{engine.StoreWeights}
	}
	return cache
}

// newEngine builds the local engine manager. Nothing is started until
// the first Load.
func newEngine(cfg *config.Config, active config.ProviderConfig, bus *events.Bus, logger *slog.Logger) *engine.Manager {
	cache := engineCache(cfg)
	rt := engine.NewLlamaServerRuntime(cfg.Engine, cache, engineModel(cfg, active), logger)
	return engine.NewManager(rt, cache, bus, logger)
}

// app is the wired agent shared by serve and ask.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	state     *opstate.Store
	bridge    *bridge.WSClient
	telemetry *telemetry.Store
	engine    *engine.Manager
	actions   *actions.Dispatcher
	agent     *agent.Service
}

// newApp wires every component. A bridge that cannot be reached is
// logged, not fatal: conversation works without it and actions report
// the failure.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	state, err := openState(cfg)
	if err != nil {
		return nil, err
	}
	active, saved, err := activeProvider(cfg, state)
	if err != nil {
		state.Close()
		return nil, err
	}
	if saved {
		logger.Info("using saved provider configuration", "kind", active.Kind, "model", active.Model)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		bus:       events.New(),
		state:     state,
		telemetry: telemetry.NewStore(cfg.User.Name, cfg.User.Role),
	}
	a.bridge = bridge.NewWSClient(cfg.Bridge, logger)
	dialCtx, cancel := context.WithTimeout(ctx, bridgeDialTimeout)
	if err := a.bridge.Connect(dialCtx); err != nil {
		logger.Warn("bridge unavailable, system actions will fail until it connects", "url", cfg.Bridge.URL, "error", err)
	}
	cancel()

	a.engine = newEngine(cfg, active, a.bus, logger)
	a.actions = actions.NewDispatcher(a.bridge, a.telemetry, logger)

	a.agent, err = agent.New(agent.Deps{
		Provider:  active,
		Engine:    a.engine,
		Telemetry: a.telemetry,
		Actions:   a.actions,
		Scheduler: a.bridge,
		Store:     state,
		Parser:    protocol.NewParser(protocol.DefaultRescuer()),
		Persona:   prompts.Persona{},
		Bus:       a.bus,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

// Close releases everything newApp acquired.
func (a *app) Close() {
	if a.agent != nil {
		a.agent.Close()
	}
	if a.engine != nil {
		if err := a.engine.Unload(); err != nil {
			a.logger.Warn("engine unload failed", "error", err)
		}
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.state != nil {
		a.state.Close()
	}
}

// bridgeProbe pings the host, redialing once when the connection is
// gone.
func (a *app) bridgeProbe(ctx context.Context) error {
	if err := a.bridge.Ping(ctx); err == nil {
		return nil
	}
	if err := a.bridge.Reconnect(ctx); err != nil {
		return err
	}
	return a.bridge.Ping(ctx)
}
