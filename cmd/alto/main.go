// Command alto runs the Mac maintenance assistant agent.
//
// It hosts the conversation service, the local inference engine, the
// proactive alert scheduler and the health watchers, and talks to the
// privileged host process over the bridge websocket. Besides the
// long-running serve mode it offers one-shot commands for smoke tests
// and maintenance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/buildinfo"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stderr so that
// command output on stdout stays machine readable with -o json.
//
// Arguments are parsed by hand. The flag package keeps its state in
// package globals, which gets in the way of calling run from parallel
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unsupported output format %q (valid: text, json)", outputFmt)
	}

	out := output{w: stdout, format: outputFmt}

	switch command {
	case "":
		return printUsage(stdout)
	case "version":
		return runVersion(out)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: alto ask <question>")
		}
		return runAsk(ctx, out, stderr, configPath, cmdArgs)
	case "test-connection":
		return runTestConnection(ctx, out, stderr, configPath)
	case "reset-cache":
		return runResetCache(ctx, out, stderr, configPath)
	case "provider":
		return runProvider(out, stderr, configPath, cmdArgs)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// output writes command results as text or JSON.
type output struct {
	w      io.Writer
	format string
}

// emit writes v as indented JSON in json mode, otherwise calls text.
func (o output) emit(v any, text func(w io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(o.w)
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(out output) error {
	info := buildinfo.Info()
	return out.emit(info, func(w io.Writer) {
		fmt.Fprintln(w, buildinfo.String())
		for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
			if v, ok := info[k]; ok {
				fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
			}
		}
	})
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Alto - Mac maintenance assistant agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: alto [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Run the agent until interrupted")
	fmt.Fprintln(w, "  ask <text>           Run a single conversation turn")
	fmt.Fprintln(w, "  test-connection      Check that the configured provider answers")
	fmt.Fprintln(w, "  reset-cache          Delete the local engine's persistent stores")
	fmt.Fprintln(w, "  provider show        Print the active provider configuration")
	fmt.Fprintln(w, "  provider set <kind> <endpoint> <model> [credential]")
	fmt.Fprintln(w, "                       Validate and save a provider configuration")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/alto/config.yaml, /etc/alto/config.yaml")
	return nil
}

// newLogger creates the process logger. Any format other than "json"
// produces text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file and returns it
// together with a logger at the configured level and format.
func loadConfig(explicit string, logw io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(logw, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath, "data_dir", cfg.DataDir)
	return cfg, logger, nil
}
