package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/alerts"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/buildinfo"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/connwatch"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/events"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/metrics"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/mqtt"
)

// statsInterval is how often system stats are pulled from the host.
const statsInterval = 15 * time.Second

// shutdownTimeout bounds the MQTT goodbye on exit.
const shutdownTimeout = 5 * time.Second

// runServe handles "alto serve". It wires the agent, starts every
// background loop and blocks until SIGINT or SIGTERM. On shutdown the
// loops are cancelled and drained before the engine is unloaded and the
// state store closed.
func runServe(ctx context.Context, logw io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig(configPath, logw)
	if err != nil {
		return err
	}
	logger.Info("starting alto", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	goLoop := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	goLoop(func() { a.telemetry.Poll(ctx, a.bridge, statsInterval, logger) })
	goLoop(func() { logEvents(ctx, a.bus, logger) })
	goLoop(func() {
		if err := a.telemetry.RefreshApps(ctx, a.bridge); err != nil && ctx.Err() == nil {
			logger.Warn("could not count installed apps", "error", err)
		}
	})

	// Metrics are always collected; the endpoint is optional.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(reg)
	goLoop(func() { m.Consume(ctx, a.bus) })
	if cfg.Metrics.Listen != "" {
		goLoop(func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, reg, logger); err != nil {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Listen, "error", err)
			}
		})
	}

	var watchers connwatch.Group
	watchers.Add(connwatch.Watch(ctx, "bridge", a.bridgeProbe, connwatch.DefaultBackoff(), a.bus, logger))
	watchers.Add(connwatch.Watch(ctx, "provider", a.agent.Probe, connwatch.DefaultBackoff(), a.bus, logger))

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		publisher, err = startMQTT(ctx, cfg, a, goLoop)
		if err != nil {
			logger.Error("mqtt disabled", "error", err)
		}
	}

	if cfg.Alerts.Enabled {
		sinks := []alerts.Sink{
			alerts.BusSink{Bus: a.bus},
			alerts.StateSink{Store: a.state},
		}
		if publisher != nil {
			sinks = append(sinks, alerts.MQTTSink{Publisher: publisher})
		}
		sched := alerts.NewScheduler(cfg.Alerts, a.telemetry, sinks, logger)
		if err := alerts.RestoreCooldown(sched.Cooldown(), a.state); err != nil {
			logger.Warn("could not restore alert cooldown", "error", err)
		}
		goLoop(func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("alert scheduler stopped", "error", err)
			}
		})
	}

	// Warm the local engine so the first turn does not pay for the load.
	if a.agent.ProviderConfig().Kind == config.KindLocal {
		goLoop(func() {
			if _, err := a.engine.Load(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("local engine warm-up failed", "error", err)
			}
		})
	}

	logger.Info("alto ready", "bridge", cfg.Bridge.URL, "provider", a.agent.ProviderConfig().Kind)
	<-ctx.Done()
	logger.Info("shutting down")

	if publisher != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := publisher.Stop(stopCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
		cancel()
	}
	watchers.Stop()
	wg.Wait()
	return nil
}

// startMQTT creates the publisher and runs it in the background.
func startMQTT(ctx context.Context, cfg *config.Config, a *app, goLoop func(func())) (*mqtt.Publisher, error) {
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	pub := mqtt.New(cfg.MQTT, instanceID, a.telemetry, a.logger)
	goLoop(func() {
		if err := pub.Start(ctx); err != nil {
			a.logger.Error("mqtt publisher stopped", "error", err)
		}
	})
	return pub, nil
}

// logEvents writes the events an operator cares about to the log.
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Kind {
			case events.KindAlert:
				logger.Info("alert", "trigger", e.Data["trigger"], "title", e.Data["title"], "body", e.Data["body"])
			case events.KindServiceUp:
				logger.Info("service up", "service", e.Data["service"])
			case events.KindServiceDown:
				logger.Warn("service down", "service", e.Data["service"], "error", e.Data["error"])
			case events.KindEngineState:
				logger.Info("engine state", "from", e.Data["from"], "to", e.Data["to"])
			}
		}
	}
}
