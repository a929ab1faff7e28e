package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/bridge"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/prompts"
)

// navigate asks the host to show a page. The host owns the page set,
// so any non-empty target is passed through.
func (d *Dispatcher) navigate(run *step, target string) Result {
	target = strings.TrimSpace(target)
	if target == "" {
		return run.fail(errors.New("navigate needs a page, for example navigate:settings"))
	}
	run.logf("navigate to %s", target)
	return run.ok("Opening "+target+".", map[string]string{"target": target})
}

func (d *Dispatcher) overview(run *step) Result {
	snap := d.store.Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "CPU load is %.0f%%", snap.CPULoadPercent)
	if snap.MemoryTotal > 0 {
		fmt.Fprintf(&sb, ", memory %s of %s in use", prompts.FormatBytes(snap.MemoryUsed), prompts.FormatBytes(snap.MemoryTotal))
	}
	if snap.DiskTotal > 0 {
		fmt.Fprintf(&sb, ", disk %s of %s used", prompts.FormatBytes(snap.DiskUsed), prompts.FormatBytes(snap.DiskTotal))
	}
	sb.WriteString(". ")
	if j := snap.LastJunkScan; j != nil {
		fmt.Fprintf(&sb, "The last junk scan found %s.", prompts.FormatBytes(j.TotalBytes))
	} else {
		sb.WriteString("No junk scan has been run yet.")
	}

	run.logf("overview from snapshot taken %s", snap.Timestamp.Format("15:04:05"))
	var next []Suggestion
	if snap.LastJunkScan == nil {
		next = append(next, Suggestion{Label: "Scan for junk", ActionID: ScanJunk})
	}
	next = append(next, Suggestion{Label: "Check for malware", ActionID: ScanMalware})
	return run.ok(sb.String(), snap, next...)
}

func (d *Dispatcher) scanJunk(ctx context.Context, run *step) Result {
	res, err := d.runJunkScan(ctx, run)
	if err != nil {
		return run.fail(err)
	}
	if len(res.Items) == 0 {
		return run.ok("No junk found. Your Mac is already clean.", res)
	}
	summary := fmt.Sprintf("Found %s of junk in %s items.",
		prompts.FormatBytes(res.TotalSizeBytes), prompts.FormatCount(len(res.Items)))
	return run.ok(summary, res,
		Suggestion{Label: "Clean it up", ActionID: CleanJunk},
		Suggestion{Label: "What is taking space?", Text: "Which categories are the biggest?"},
	)
}

// runJunkScan scans and holds the result for a later clean.
func (d *Dispatcher) runJunkScan(ctx context.Context, run *step) (*bridge.ScanResult, error) {
	res, err := d.bridge.ScanJunk(ctx)
	if err != nil {
		return nil, &ExecError{Action: run.id, Step: "scan", Err: err}
	}
	run.logf("scan_junk: %s items, %s", prompts.FormatCount(len(res.Items)), prompts.FormatBytes(res.TotalSizeBytes))
	if n := len(res.Errors); n > 0 {
		run.logf("scan_junk: %d locations could not be read", n)
	}

	if len(res.Items) == 0 {
		d.heldJunk = nil
	} else {
		d.heldJunk = res
	}
	d.store.RecordJunkScan(res)
	return res, nil
}

func (d *Dispatcher) cleanJunk(ctx context.Context, run *step) Result {
	held := d.heldJunk
	if held == nil {
		run.logf("no junk scan held, scanning first")
		res, err := d.runJunkScan(ctx, run)
		if err != nil {
			return run.fail(err)
		}
		if len(res.Items) == 0 {
			return run.ok("Nothing to clean. Your Mac is already clean.", res)
		}
		held = res
	}

	out, err := d.bridge.CleanItems(ctx, held.Paths())
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "clean", Err: err})
	}
	run.logf("clean_items: removed %d of %d", out.Removed, len(held.Items))
	for _, e := range out.Errors {
		run.logf("clean_items: %s", e)
	}

	if out.Removed == 0 && len(out.Errors) > 0 {
		return run.fail(&ExecError{Action: run.id, Step: "clean", Err: errors.New(out.Errors[0])})
	}

	d.heldJunk = nil
	d.store.ClearJunkScan()

	summary := fmt.Sprintf("Removed %s items and freed about %s.",
		prompts.FormatCount(out.Removed), prompts.FormatBytes(held.TotalSizeBytes))
	if n := len(out.Errors); n > 0 {
		summary += fmt.Sprintf(" %d items could not be removed.", n)
	}
	return run.ok(summary, out, Suggestion{Label: "Speed things up", ActionID: OptimizeSpeed})
}

func (d *Dispatcher) scanMalware(ctx context.Context, run *step) Result {
	res, err := d.bridge.ScanMalware(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "scan", Err: err})
	}
	run.logf("scan_malware: %s, %d threats", res.Status, len(res.ThreatsFound))

	if len(res.ThreatsFound) == 0 {
		return run.ok("No threats found. Your Mac looks safe.", res,
			Suggestion{Label: "Scan for junk", ActionID: ScanJunk})
	}
	names := make([]string, 0, len(res.ThreatsFound))
	for _, t := range res.ThreatsFound {
		names = append(names, t.Name)
	}
	summary := fmt.Sprintf("Found %d threats: %s.", len(res.ThreatsFound), strings.Join(names, ", "))
	return run.ok(summary, res,
		Suggestion{Label: "Show protection", ActionID: Navigate + ":protection"})
}

// optimizeSpeed runs both speed tasks. A failure in one does not stop
// the other.
func (d *Dispatcher) optimizeSpeed(ctx context.Context, run *step) Result {
	tasks := []struct {
		id   string
		name string
	}{
		{bridge.TaskFlushDNS, "DNS flush"},
		{bridge.TaskFreeRAM, "memory cleanup"},
	}

	var statuses []string
	var results []*bridge.SpeedTaskResult
	var firstErr error
	for _, t := range tasks {
		res, err := d.bridge.RunSpeedTask(ctx, t.id)
		if err != nil {
			run.logf("%s: failed: %v", t.id, err)
			statuses = append(statuses, t.name+" failed")
			if firstErr == nil {
				firstErr = &ExecError{Action: run.id, Step: t.id, Err: err}
			}
			continue
		}
		run.logf("%s: %s", t.id, res.Status)
		statuses = append(statuses, res.Status)
		results = append(results, res)
	}

	summary := strings.Join(statuses, ". ") + "."
	if firstErr != nil {
		r := run.fail(firstErr)
		r.Summary = summary
		r.Payload = results
		return r
	}
	return run.ok(summary, results, Suggestion{Label: "Find large files", ActionID: ScanLargeFiles})
}

func (d *Dispatcher) scanLargeFiles(ctx context.Context, run *step) Result {
	res, err := d.bridge.ScanLargeFiles(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "scan", Err: err})
	}
	run.logf("scan_large_files: %s items, %s", prompts.FormatCount(len(res.Items)), prompts.FormatBytes(res.TotalSizeBytes))
	d.store.RecordLargeFileScan(res)

	if len(res.Items) == 0 {
		return run.ok("No unusually large files found.", res)
	}
	summary := fmt.Sprintf("Found %s large files using %s.",
		prompts.FormatCount(len(res.Items)), prompts.FormatBytes(res.TotalSizeBytes))
	return run.ok(summary, res, Suggestion{Label: "Review files", ActionID: Navigate + ":files"})
}

func (d *Dispatcher) resetContext(ctx context.Context, run *step) Result {
	store, err := d.bridge.ResetContext(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "reset", Err: err})
	}
	d.heldJunk = nil
	d.store.ClearJunkScan()
	run.logf("reset_context: history cleared, %d skip patterns kept", len(store.UserPreferences.AlwaysSkipPatterns))
	return run.ok("Cleared my memory of past scans and cleanups. Your preferences are kept.", store)
}
