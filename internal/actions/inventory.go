package actions

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/bridge"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/prompts"
)

// topN is how many of the biggest entries a summary names.
const topN = 3

func (d *Dispatcher) scanApps(ctx context.Context, run *step) Result {
	apps, err := d.bridge.ScanApps(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "scan", Err: err})
	}
	d.store.RecordAppScan(apps)

	var total uint64
	for _, a := range apps {
		total += a.SizeBytes
	}
	run.logf("scan_apps: %s apps, %s", prompts.FormatCount(len(apps)), prompts.FormatBytes(total))
	if len(apps) == 0 {
		return run.ok("No applications found.", apps)
	}

	bySize := slices.Clone(apps)
	slices.SortStableFunc(bySize, func(a, b bridge.AppInfo) int { return compareSize(a.SizeBytes, b.SizeBytes) })
	var biggest []string
	for _, a := range bySize[:min(topN, len(bySize))] {
		biggest = append(biggest, fmt.Sprintf("%s (%s)", a.Name, prompts.FormatBytes(a.SizeBytes)))
	}
	summary := fmt.Sprintf("You have %s apps using %s. The largest are %s.",
		prompts.FormatCount(len(apps)), prompts.FormatBytes(total), strings.Join(biggest, ", "))
	return run.ok(summary, apps,
		Suggestion{Label: "Review apps", ActionID: Navigate + ":uninstaller"},
		Suggestion{Label: "Check for updates", ActionID: ScanOutdatedApps},
	)
}

func (d *Dispatcher) scanOutdatedApps(ctx context.Context, run *step) Result {
	apps, err := d.bridge.ScanOutdatedApps(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "scan", Err: err})
	}
	run.logf("scan_outdated_apps: %d outdated", len(apps))
	if len(apps) == 0 {
		return run.ok("All your apps are up to date.", apps)
	}

	var names []string
	for _, a := range apps[:min(topN, len(apps))] {
		names = append(names, fmt.Sprintf("%s %s to %s", a.Name, a.CurrentVersion, a.LatestVersion))
	}
	summary := fmt.Sprintf("%s apps have updates: %s", prompts.FormatCount(len(apps)), strings.Join(names, ", "))
	if more := len(apps) - topN; more > 0 {
		summary += fmt.Sprintf(" and %d more", more)
	}
	return run.ok(summary+".", apps, Suggestion{Label: "Open updater", ActionID: Navigate + ":updater"})
}

func (d *Dispatcher) scanSpaceLens(ctx context.Context, run *step) Result {
	root, err := d.bridge.ScanSpaceLens(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "scan", Err: err})
	}
	run.logf("scan_space_lens: %s in %s, %d top-level entries", prompts.FormatBytes(root.Size), root.Path, len(root.Children))

	summary := fmt.Sprintf("%s uses %s.", root.Path, prompts.FormatBytes(root.Size))
	if len(root.Children) > 0 {
		children := slices.Clone(root.Children)
		slices.SortStableFunc(children, func(a, b bridge.FileNode) int { return compareSize(a.Size, b.Size) })
		var biggest []string
		for _, c := range children[:min(topN, len(children))] {
			biggest = append(biggest, fmt.Sprintf("%s (%s)", c.Name, prompts.FormatBytes(c.Size)))
		}
		summary += " The biggest folders are " + strings.Join(biggest, ", ") + "."
	}
	return run.ok(summary, root,
		Suggestion{Label: "Explore space", ActionID: Navigate + ":space_lens"},
		Suggestion{Label: "Find large files", ActionID: ScanLargeFiles},
	)
}

func (d *Dispatcher) scanExtensions(ctx context.Context, run *step) Result {
	items, err := d.bridge.ScanExtensions(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "scan", Err: err})
	}
	enabled := 0
	kinds := map[string]int{}
	for _, it := range items {
		if it.Enabled {
			enabled++
		}
		kinds[it.Kind]++
	}
	run.logf("scan_extensions: %d items, %d enabled", len(items), enabled)
	if len(items) == 0 {
		return run.ok("No launch agents, daemons or browser extensions found.", items)
	}

	var parts []string
	for _, k := range slices.Sorted(maps.Keys(kinds)) {
		parts = append(parts, fmt.Sprintf("%d %s", kinds[k], strings.ToLower(k)))
	}
	summary := fmt.Sprintf("Found %d extensions and background items (%s), %d enabled.",
		len(items), strings.Join(parts, ", "), enabled)
	return run.ok(summary, items, Suggestion{Label: "Manage extensions", ActionID: Navigate + ":extensions"})
}

func (d *Dispatcher) scanMail(ctx context.Context, run *step) Result {
	files, err := d.bridge.ScanMail(ctx)
	if err != nil {
		return run.fail(&ExecError{Action: run.id, Step: "scan", Err: err})
	}
	var total uint64
	for _, f := range files {
		total += f.SizeBytes
	}
	run.logf("scan_mail: %d attachments, %s", len(files), prompts.FormatBytes(total))
	if len(files) == 0 {
		return run.ok("No downloaded mail attachments found.", files)
	}
	summary := fmt.Sprintf("Found %s mail attachments using %s.", prompts.FormatCount(len(files)), prompts.FormatBytes(total))
	return run.ok(summary, files, Suggestion{Label: "Review attachments", ActionID: Navigate + ":mail"})
}

// compareSize orders larger sizes first.
func compareSize(a, b uint64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
