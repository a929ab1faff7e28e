package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/agent"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/connwatch"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/defaults"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/engine"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/llm"
)

// runAsk handles "alto ask <question>". It wires the full agent, runs
// one turn, and when that turn dispatched an action runs the follow-up
// turn that lets the model report the outcome.
func runAsk(ctx context.Context, out output, stderr io.Writer, configPath string, args []string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	progress, stop := a.engine.Subscribe(16)
	defer stop()
	go func() {
		for p := range progress {
			logger.Info("engine loading", "phase", p.Phase, "percent", p.Percent, "detail", p.Text)
		}
	}()

	msgs := []llm.Message{{Role: llm.RoleUser, Content: strings.Join(args, " ")}}
	turns := []agent.Turn{a.agent.Send(ctx, msgs)}
	if first := turns[0]; first.Error == "" && first.Action != nil {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: first.Reply},
			agent.FollowUpNotice(*first.Action),
		)
		turns = append(turns, a.agent.Send(ctx, msgs))
	}

	last := turns[len(turns)-1]
	if err := out.emit(turns, func(w io.Writer) { printTurns(w, turns) }); err != nil {
		return err
	}
	if last.Error != "" {
		return fmt.Errorf("ask: %s", last.Error)
	}
	return nil
}

func printTurns(w io.Writer, turns []agent.Turn) {
	for _, t := range turns {
		if t.Error != "" {
			continue
		}
		if t.Reply != "" {
			fmt.Fprintln(w, agent.PlainText(t.Reply))
		}
		if t.Action != nil {
			status := "succeeded"
			if !t.Action.Success {
				status = "failed"
			}
			fmt.Fprintf(w, "\n[%s %s: %s]\n", t.Action.ActionID, status, t.Action.Summary)
			for _, s := range t.Action.StepLog {
				fmt.Fprintf(w, "  - %s\n", s)
			}
			fmt.Fprintln(w)
		}
		for _, s := range t.Schedules {
			fmt.Fprintf(w, "[scheduled %s at %q]\n", s.Task, s.Cron)
		}
	}
}

// runTestConnection handles "alto test-connection". The local kind is
// tested with a full engine load, which is unloaded again afterwards.
func runTestConnection(ctx context.Context, out output, stderr io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	store, err := openState(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	active, _, err := activeProvider(cfg, store)
	if err != nil {
		return err
	}

	var tester *connwatch.Tester
	if active.Kind == config.KindLocal {
		mgr := newEngine(cfg, active, nil, logger)
		defer mgr.Unload()
		tester = connwatch.NewTester(mgr, logger)
	} else {
		tester = connwatch.NewTester(nil, logger)
	}

	rep := tester.Test(ctx, active)
	if err := out.emit(rep, func(w io.Writer) { fmt.Fprintln(w, rep.Message) }); err != nil {
		return err
	}
	if !rep.OK {
		return errors.New("connection test failed")
	}
	return nil
}

// runResetCache handles "alto reset-cache". It is the manual recovery
// path when the local engine keeps failing to load.
func runResetCache(ctx context.Context, out output, stderr io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	cache := engineCache(cfg)
	mgr := engine.NewManager(nil, cache, nil, logger)

	rep, err := mgr.ResetCache(ctx)
	if err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	if err := out.emit(rep, func(w io.Writer) {
		fmt.Fprintf(w, "Cleared %d of %d engine stores in %s\n", len(rep.Deleted), len(cache.Stores()), cache.Root)
		for _, name := range cache.Preserve {
			fmt.Fprintf(w, "  %s kept (set engine.model_url to allow re-downloading it)\n", name)
		}
		for _, name := range rep.Blocked {
			fmt.Fprintf(w, "  %s is in use; quit other copies of the agent and retry\n", name)
		}
		for _, name := range rep.Failed {
			fmt.Fprintf(w, "  %s could not be deleted\n", name)
		}
	}); err != nil {
		return err
	}
	if len(rep.Blocked)+len(rep.Failed) > 0 {
		return errors.New("cache reset incomplete")
	}
	return nil
}

// providerView is the printable provider configuration. The credential
// itself is never shown.
type providerView struct {
	Kind          config.ProviderKind `json:"kind"`
	Endpoint      string              `json:"endpoint,omitempty"`
	Model         string              `json:"model"`
	CredentialSet bool                `json:"credential_set"`
	Source        string              `json:"source"`
}

// runProvider handles "alto provider show" and "alto provider set".
func runProvider(out output, stderr io.Writer, configPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: alto provider show|set <kind> <endpoint> <model> [credential]")
	}
	cfg, _, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	store, err := openState(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "show":
		active, saved, err := activeProvider(cfg, store)
		if err != nil {
			return err
		}
		v := providerView{
			Kind:          active.Kind,
			Endpoint:      active.Endpoint,
			Model:         active.Model,
			CredentialSet: active.Credential != "",
			Source:        "config",
		}
		if saved {
			v.Source = "saved"
		}
		return out.emit(v, func(w io.Writer) {
			fmt.Fprintf(w, "  %-12s %s\n", "kind:", v.Kind)
			if v.Endpoint != "" {
				fmt.Fprintf(w, "  %-12s %s\n", "endpoint:", v.Endpoint)
			}
			fmt.Fprintf(w, "  %-12s %s\n", "model:", v.Model)
			fmt.Fprintf(w, "  %-12s %t\n", "credential:", v.CredentialSet)
			fmt.Fprintf(w, "  %-12s %s\n", "source:", v.Source)
		})

	case "set":
		if len(args) < 4 || len(args) > 5 {
			return fmt.Errorf("usage: alto provider set <kind> <endpoint> <model> [credential]")
		}
		kind, err := config.ParseProviderKind(args[1])
		if err != nil {
			return err
		}
		p := config.ProviderConfig{Kind: kind, Endpoint: args[2], Model: args[3]}
		if p.Endpoint == "-" {
			p.Endpoint = ""
		}
		if len(args) == 5 {
			p.Credential = args[4]
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if err := store.SaveProvider(p); err != nil {
			return fmt.Errorf("save provider: %w", err)
		}
		return out.emit(providerView{
			Kind:          p.Kind,
			Endpoint:      p.Endpoint,
			Model:         p.Model,
			CredentialSet: p.Credential != "",
			Source:        "saved",
		}, func(w io.Writer) {
			fmt.Fprintf(w, "Saved %s provider (%s). Restart serve to apply.\n", p.Kind, p.Model)
		})

	default:
		return fmt.Errorf("unknown provider subcommand: %s", args[0])
	}
}

// runInit writes an example config.yaml into dir. An existing config
// is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", path)
		return nil
	}
	// The file may hold credentials.
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "Wrote %s\n", path)
	return nil
}
