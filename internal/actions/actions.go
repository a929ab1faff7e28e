// Package actions executes the operations a model reply asks for. Each
// action maps to zero or more host bridge calls. [Dispatcher.Execute]
// never fails: every error becomes an unsuccessful [Result].
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/bridge"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// Action identifiers.
const (
	Navigate       = "navigate"
	ShowOverview   = "show_overview"
	ScanJunk       = "scan_junk"
	CleanJunk      = "clean_junk"
	ScanMalware    = "scan_malware"
	OptimizeSpeed  = "optimize_speed"
	ScanLargeFiles = "scan_large_files"
	ScanHeavyFiles = "scan_heavy_files" // alias of ScanLargeFiles
	ResetContext   = "reset_context"

	// Read-only inventory scans.
	ScanApps         = "scan_apps"
	ScanOutdatedApps = "scan_outdated_apps"
	ScanSpaceLens    = "scan_space_lens"
	ScanExtensions   = "scan_extensions"
	ScanMail         = "scan_mail"
)

// Suggestion is a quick reply offered after an action. It is advisory;
// nothing runs until the user picks it.
type Suggestion struct {
	Label    string `json:"label"`
	ActionID string `json:"action_id,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Result is the outcome of one action. It is not modified after
// Execute returns.
type Result struct {
	ID          string        `json:"id"`
	ActionID    string        `json:"action_id"`
	Success     bool          `json:"success"`
	Summary     string        `json:"summary"`
	Payload     any           `json:"payload,omitempty"`
	StepLog     []string      `json:"step_log,omitempty"`
	Suggestions []Suggestion  `json:"suggestions,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// ExecError is a failed bridge call inside an action.
type ExecError struct {
	Action string
	Step   string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Action, e.Step, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Recorder receives scan outcomes so later snapshots reflect them.
type Recorder interface {
	telemetry.Source
	RecordJunkScan(*bridge.ScanResult)
	RecordLargeFileScan(*bridge.ScanResult)
	RecordAppScan([]bridge.AppInfo)
	ClearJunkScan()
}

// Dispatcher runs actions against the host bridge. Actions are
// serialized; the held junk scan is shared between them.
type Dispatcher struct {
	bridge bridge.Bridge
	store  Recorder
	logger *slog.Logger

	mu       sync.Mutex
	heldJunk *bridge.ScanResult
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(b bridge.Bridge, store Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bridge: b,
		store:  store,
		logger: logger.With("component", "actions"),
	}
}

// Execute runs the action id. It never panics and never returns an
// error; failures are reported in the result.
func (d *Dispatcher) Execute(ctx context.Context, id string) (res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	id = strings.ToLower(strings.TrimSpace(id))
	run := &step{id: id}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("action panicked", "action", id, "panic", r)
			res = run.fail(fmt.Errorf("internal error: %v", r))
		}
		res.ID = newID()
		res.Elapsed = time.Since(start)
		d.logger.Info("action executed",
			"action", res.ActionID,
			"success", res.Success,
			"elapsed", res.Elapsed.Round(time.Millisecond),
		)
	}()

	name, arg, _ := strings.Cut(id, ":")
	switch name {
	case Navigate:
		return d.navigate(run, arg)
	case ShowOverview:
		return d.overview(run)
	case ScanJunk:
		return d.scanJunk(ctx, run)
	case CleanJunk:
		return d.cleanJunk(ctx, run)
	case ScanMalware:
		return d.scanMalware(ctx, run)
	case OptimizeSpeed:
		return d.optimizeSpeed(ctx, run)
	case ScanLargeFiles, ScanHeavyFiles:
		run.id = ScanLargeFiles
		return d.scanLargeFiles(ctx, run)
	case ResetContext:
		return d.resetContext(ctx, run)
	case ScanApps:
		return d.scanApps(ctx, run)
	case ScanOutdatedApps:
		return d.scanOutdatedApps(ctx, run)
	case ScanSpaceLens:
		return d.scanSpaceLens(ctx, run)
	case ScanExtensions:
		return d.scanExtensions(ctx, run)
	case ScanMail:
		return d.scanMail(ctx, run)
	default:
		return Result{ActionID: id, Summary: "Unknown action: " + id}
	}
}

// HeldJunkScan reports whether a junk scan is waiting to be cleaned.
func (d *Dispatcher) HeldJunkScan() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heldJunk != nil
}

// step accumulates the log of one action run.
type step struct {
	id  string
	log []string
}

func (s *step) logf(format string, args ...any) {
	s.log = append(s.log, fmt.Sprintf(format, args...))
}

func (s *step) ok(summary string, payload any, suggestions ...Suggestion) Result {
	return Result{
		ActionID:    s.id,
		Success:     true,
		Summary:     summary,
		Payload:     payload,
		StepLog:     s.log,
		Suggestions: suggestions,
	}
}

func (s *step) fail(err error) Result {
	s.logf("failed: %v", err)
	return Result{
		ActionID: s.id,
		Summary:  failureSummary(err),
		StepLog:  s.log,
	}
}

// failureSummary turns an error into the sentence shown to the user.
func failureSummary(err error) string {
	var ce *bridge.CallError
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		return "The system helper is not running, so I could not do that. Restart Alto and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The operation took too long and was stopped."
	case errors.As(err, &ce):
		return "The system helper reported an error: " + ce.Message
	default:
		return "Something went wrong: " + err.Error()
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
