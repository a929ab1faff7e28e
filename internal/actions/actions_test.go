package actions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/bridge"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/prompts"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// fakeBridge records every call and answers from its fields.
type fakeBridge struct {
	mu    sync.Mutex
	calls []string

	junk      *bridge.ScanResult
	junkErr   error
	clean     *bridge.CleanResult
	cleaned   []string
	malware   *bridge.MalwareResult
	speed     map[string]*bridge.SpeedTaskResult
	speedErrs map[string]error
	large     *bridge.ScanResult
	apps      []bridge.AppInfo
	outdated  []bridge.OutdatedApp
	lens      *bridge.FileNode
	exts      []bridge.ExtensionItem
	mail      []bridge.MailAttachment
	scanErr   error
	panicOn   string
}

func (f *fakeBridge) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if call == f.panicOn {
		panic("host exploded")
	}
}

func (f *fakeBridge) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBridge) ScanJunk(context.Context) (*bridge.ScanResult, error) {
	f.record(bridge.CmdScanJunk)
	if f.junkErr != nil {
		return nil, f.junkErr
	}
	if f.junk == nil {
		return &bridge.ScanResult{}, nil
	}
	return f.junk, nil
}

func (f *fakeBridge) CleanItems(_ context.Context, paths []string) (*bridge.CleanResult, error) {
	f.record(bridge.CmdCleanItems)
	f.cleaned = paths
	if f.clean == nil {
		return &bridge.CleanResult{Removed: len(paths)}, nil
	}
	return f.clean, nil
}

func (f *fakeBridge) ScanMalware(context.Context) (*bridge.MalwareResult, error) {
	f.record(bridge.CmdScanMalware)
	if f.malware == nil {
		return &bridge.MalwareResult{Status: "Clean"}, nil
	}
	return f.malware, nil
}

func (f *fakeBridge) RunSpeedTask(_ context.Context, id string) (*bridge.SpeedTaskResult, error) {
	f.record(bridge.CmdRunSpeedTask + ":" + id)
	if err := f.speedErrs[id]; err != nil {
		return nil, err
	}
	if r := f.speed[id]; r != nil {
		return r, nil
	}
	return &bridge.SpeedTaskResult{Task: id, Status: id + " done"}, nil
}

func (f *fakeBridge) ScanLargeFiles(context.Context) (*bridge.ScanResult, error) {
	f.record(bridge.CmdScanLargeFiles)
	if f.large == nil {
		return &bridge.ScanResult{}, nil
	}
	return f.large, nil
}

func (f *fakeBridge) ScheduleTask(context.Context, string, string) (string, error) {
	f.record(bridge.CmdScheduleTask)
	return "job-1", nil
}

func (f *fakeBridge) ResetContext(context.Context) (*bridge.ContextStore, error) {
	f.record(bridge.CmdResetContext)
	return &bridge.ContextStore{UserPreferences: bridge.UserPrefs{AlwaysSkipPatterns: []string{"*.keep"}}}, nil
}

func (f *fakeBridge) SystemStats(context.Context) (*bridge.SystemStats, error) {
	return &bridge.SystemStats{}, nil
}

func (f *fakeBridge) ScanApps(context.Context) ([]bridge.AppInfo, error) {
	f.record(bridge.CmdScanApps)
	return f.apps, f.scanErr
}

func (f *fakeBridge) ScanOutdatedApps(context.Context) ([]bridge.OutdatedApp, error) {
	f.record(bridge.CmdScanOutdatedApps)
	return f.outdated, f.scanErr
}

func (f *fakeBridge) ScanSpaceLens(context.Context) (*bridge.FileNode, error) {
	f.record(bridge.CmdScanSpaceLens)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	if f.lens == nil {
		return &bridge.FileNode{Name: "d", Path: "/Users/d", IsDir: true}, nil
	}
	return f.lens, nil
}

func (f *fakeBridge) ScanExtensions(context.Context) ([]bridge.ExtensionItem, error) {
	f.record(bridge.CmdScanExtensions)
	return f.exts, f.scanErr
}

func (f *fakeBridge) ScanMail(context.Context) ([]bridge.MailAttachment, error) {
	f.record(bridge.CmdScanMail)
	return f.mail, f.scanErr
}

var twoItems = &bridge.ScanResult{
	Items: []bridge.ScannedItem{
		{Path: "/Users/d/Library/Caches/com.apple.Safari", SizeBytes: 1_500_000_000},
		{Path: "/Users/d/Library/Logs/old.log", SizeBytes: 600_000_000},
	},
	TotalSizeBytes: 2_100_000_000,
}

func newTestDispatcher(b *fakeBridge) (*Dispatcher, *telemetry.Store) {
	store := telemetry.NewStore("Dana", "designer")
	return NewDispatcher(b, store, nil), store
}

func TestCleanJunk_ScansFirstAndShortCircuitsWhenClean(t *testing.T) {
	b := &fakeBridge{}
	d, _ := newTestDispatcher(b)

	res := d.Execute(context.Background(), CleanJunk)

	if !res.Success || !strings.Contains(res.Summary, "already clean") {
		t.Errorf("result = %+v, want success mentioning already clean", res)
	}
	if diff := cmp.Diff([]string{bridge.CmdScanJunk}, b.called()); diff != "" {
		t.Errorf("bridge calls (-want +got):\n%s", diff)
	}
}

func TestCleanJunk_ScansThenCleansEveryPath(t *testing.T) {
	b := &fakeBridge{junk: twoItems}
	d, store := newTestDispatcher(b)

	res := d.Execute(context.Background(), CleanJunk)

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]string{bridge.CmdScanJunk, bridge.CmdCleanItems}, b.called()); diff != "" {
		t.Errorf("bridge calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(twoItems.Paths(), b.cleaned); diff != "" {
		t.Errorf("cleaned paths (-want +got):\n%s", diff)
	}
	if d.HeldJunkScan() || store.Snapshot().LastJunkScan != nil {
		t.Error("held scan should be consumed by a successful clean")
	}
	if !strings.Contains(res.Summary, "2.1 GB") {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestCleanJunk_UsesHeldScan(t *testing.T) {
	b := &fakeBridge{junk: twoItems}
	d, store := newTestDispatcher(b)

	scan := d.Execute(context.Background(), ScanJunk)
	if !scan.Success || !d.HeldJunkScan() {
		t.Fatalf("scan = %+v", scan)
	}
	if got := store.Snapshot().LastJunkScan; got == nil || got.ItemCount != 2 {
		t.Errorf("telemetry junk scan = %+v", got)
	}
	if len(scan.Suggestions) == 0 || scan.Suggestions[0].ActionID != CleanJunk {
		t.Errorf("suggestions = %+v", scan.Suggestions)
	}

	d.Execute(context.Background(), CleanJunk)
	if diff := cmp.Diff([]string{bridge.CmdScanJunk, bridge.CmdCleanItems}, b.called()); diff != "" {
		t.Errorf("clean should reuse the held scan (-want +got):\n%s", diff)
	}
}

func TestCleanJunk_TotalFailureKeepsHeldScan(t *testing.T) {
	b := &fakeBridge{junk: twoItems, clean: &bridge.CleanResult{Errors: []string{"Operation not permitted"}}}
	d, _ := newTestDispatcher(b)

	d.Execute(context.Background(), ScanJunk)
	res := d.Execute(context.Background(), CleanJunk)
	if res.Success {
		t.Errorf("result = %+v, want failure", res)
	}
	if !d.HeldJunkScan() {
		t.Error("a failed clean must keep the scan for a retry")
	}
}

func TestScanJunk_BridgeFailure(t *testing.T) {
	b := &fakeBridge{junkErr: bridge.ErrNotConnected}
	d, _ := newTestDispatcher(b)

	res := d.Execute(context.Background(), ScanJunk)
	if res.Success || !strings.Contains(res.Summary, "helper is not running") {
		t.Errorf("result = %+v", res)
	}
	if res.ID == "" || res.ActionID != ScanJunk {
		t.Errorf("result identity = %q/%q", res.ID, res.ActionID)
	}
}

func TestScanMalware(t *testing.T) {
	b := &fakeBridge{}
	d, _ := newTestDispatcher(b)
	if res := d.Execute(context.Background(), ScanMalware); !res.Success || !strings.Contains(res.Summary, "No threats") {
		t.Errorf("clean result = %+v", res)
	}

	b.malware = &bridge.MalwareResult{
		Status:       "Threats found",
		ThreatsFound: []bridge.Threat{{Path: "/tmp/x", Name: "OSX.Shlayer"}},
	}
	if res := d.Execute(context.Background(), ScanMalware); !strings.Contains(res.Summary, "OSX.Shlayer") {
		t.Errorf("infected result = %+v", res)
	}
}

func TestOptimizeSpeed_AttemptsBothTasks(t *testing.T) {
	b := &fakeBridge{speedErrs: map[string]error{bridge.TaskFlushDNS: errors.New("sudo denied")}}
	d, _ := newTestDispatcher(b)

	res := d.Execute(context.Background(), OptimizeSpeed)

	want := []string{
		bridge.CmdRunSpeedTask + ":" + bridge.TaskFlushDNS,
		bridge.CmdRunSpeedTask + ":" + bridge.TaskFreeRAM,
	}
	if diff := cmp.Diff(want, b.called()); diff != "" {
		t.Errorf("bridge calls (-want +got):\n%s", diff)
	}
	if res.Success {
		t.Error("partial failure should be reported as unsuccessful")
	}
	if !strings.Contains(res.Summary, "DNS flush failed") || !strings.Contains(res.Summary, "free_ram done") {
		t.Errorf("summary = %q, want both statuses", res.Summary)
	}
}

func TestScanLargeFiles_Alias(t *testing.T) {
	b := &fakeBridge{large: twoItems}
	d, store := newTestDispatcher(b)

	a := d.Execute(context.Background(), ScanLargeFiles)
	h := d.Execute(context.Background(), ScanHeavyFiles)

	if a.ActionID != ScanLargeFiles || h.ActionID != ScanLargeFiles {
		t.Errorf("action ids = %q, %q; alias should normalize", a.ActionID, h.ActionID)
	}
	if a.Summary != h.Summary {
		t.Errorf("summaries differ: %q vs %q", a.Summary, h.Summary)
	}
	if got := store.Snapshot().LastLargeFileScan; got == nil || got.TotalBytes != twoItems.TotalSizeBytes {
		t.Errorf("large file summary = %+v", got)
	}
}

func TestNavigateAndOverview(t *testing.T) {
	b := &fakeBridge{}
	d, store := newTestDispatcher(b)
	store.UpdateStats(bridge.SystemStats{CPULoad: 12, MemoryUsed: 4_000_000_000, MemoryTotal: 8_000_000_000, DiskUsed: 200_000_000_000, DiskTotal: 500_000_000_000})

	for _, page := range []string{"settings", "privacy", "uninstaller", "space_lens", "some_future_page"} {
		nav := d.Execute(context.Background(), "navigate:"+page)
		if !nav.Success || nav.Payload.(map[string]string)["target"] != page {
			t.Errorf("navigate:%s = %+v", page, nav)
		}
	}
	if bad := d.Execute(context.Background(), "navigate:"); bad.Success {
		t.Error("navigate without a page should fail")
	}

	ov := d.Execute(context.Background(), ShowOverview)
	if !ov.Success || !strings.Contains(ov.Summary, "CPU load is 12%") || !strings.Contains(ov.Summary, "4.0 GB of 8.0 GB") ||
		!strings.Contains(ov.Summary, "disk 200 GB of 500 GB used") {
		t.Errorf("overview = %+v", ov)
	}
	if len(b.called()) != 0 {
		t.Errorf("navigate and overview must not call the host, got %v", b.called())
	}
}

func TestUnknownAction(t *testing.T) {
	d, _ := newTestDispatcher(&fakeBridge{})
	res := d.Execute(context.Background(), "defrag_disk")
	if res.Success || res.Summary != "Unknown action: defrag_disk" {
		t.Errorf("result = %+v", res)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	d, _ := newTestDispatcher(&fakeBridge{panicOn: bridge.CmdScanMalware})
	res := d.Execute(context.Background(), ScanMalware)
	if res.Success || res.ID == "" {
		t.Errorf("result = %+v, want recovered failure", res)
	}

	// The dispatcher is still usable afterwards.
	if res := d.Execute(context.Background(), ShowOverview); !res.Success {
		t.Errorf("overview after panic = %+v", res)
	}
}

func TestResetContextDropsHeldScan(t *testing.T) {
	b := &fakeBridge{junk: twoItems}
	d, _ := newTestDispatcher(b)
	d.Execute(context.Background(), ScanJunk)

	res := d.Execute(context.Background(), ResetContext)
	if !res.Success || d.HeldJunkScan() {
		t.Errorf("result = %+v, held = %v", res, d.HeldJunkScan())
	}
}

func TestCatalogueIsDispatchable(t *testing.T) {
	d, _ := newTestDispatcher(&fakeBridge{})
	for _, a := range prompts.Actions {
		id := strings.Replace(a.ID, "<page>", "settings", 1)
		if res := d.Execute(context.Background(), id); strings.HasPrefix(res.Summary, "Unknown action") {
			t.Errorf("catalogue action %q is not handled", a.ID)
		}
	}
}

func TestInventoryScans(t *testing.T) {
	b := &fakeBridge{
		apps: []bridge.AppInfo{
			{Name: "Safari", SizeBytes: 300_000_000},
			{Name: "Xcode", SizeBytes: 12_000_000_000},
			{Name: "Figma", SizeBytes: 500_000_000},
			{Name: "Notes", SizeBytes: 10_000_000},
		},
		outdated: []bridge.OutdatedApp{{Name: "firefox", CurrentVersion: "120.0", LatestVersion: "121.0"}},
		lens: &bridge.FileNode{Name: "d", Path: "/Users/d", Size: 90_000_000_000, IsDir: true, Children: []bridge.FileNode{
			{Name: "Documents", Size: 10_000_000_000, IsDir: true},
			{Name: "Movies", Size: 60_000_000_000, IsDir: true},
		}},
		exts: []bridge.ExtensionItem{
			{Name: "a", Kind: "Launch Agent", Enabled: true},
			{Name: "b", Kind: "Launch Agent"},
			{Name: "c", Kind: "Browser Extension", Enabled: true},
		},
		mail: []bridge.MailAttachment{{Name: "a.pdf", SizeBytes: 2_000_000}, {Name: "b.zip", SizeBytes: 3_000_000}},
	}
	d, store := newTestDispatcher(b)

	tests := []struct {
		id          string
		summary     string
		suggestions []string
	}{
		{ScanApps, "You have 4 apps using 13 GB. The largest are Xcode (12 GB), Figma (500 MB), Safari (300 MB).",
			[]string{"navigate:uninstaller", ScanOutdatedApps}},
		{ScanOutdatedApps, "1 apps have updates: firefox 120.0 to 121.0.", []string{"navigate:updater"}},
		{ScanSpaceLens, "/Users/d uses 90 GB. The biggest folders are Movies (60 GB), Documents (10 GB).",
			[]string{"navigate:space_lens", ScanLargeFiles}},
		{ScanExtensions, "Found 3 extensions and background items (1 browser extension, 2 launch agent), 2 enabled.",
			[]string{"navigate:extensions"}},
		{ScanMail, "Found 2 mail attachments using 5.0 MB.", []string{"navigate:mail"}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res := d.Execute(context.Background(), tt.id)
			if !res.Success || res.ActionID != tt.id {
				t.Fatalf("result = %+v", res)
			}
			if res.Summary != tt.summary {
				t.Errorf("summary = %q, want %q", res.Summary, tt.summary)
			}
			var got []string
			for _, s := range res.Suggestions {
				got = append(got, s.ActionID)
			}
			if diff := cmp.Diff(tt.suggestions, got); diff != "" {
				t.Errorf("suggestions (-want +got):\n%s", diff)
			}
		})
	}

	if got := store.Snapshot().InstalledAppCount; got != 4 {
		t.Errorf("InstalledAppCount = %d, want 4 after scan_apps", got)
	}
	want := []string{bridge.CmdScanApps, bridge.CmdScanOutdatedApps, bridge.CmdScanSpaceLens, bridge.CmdScanExtensions, bridge.CmdScanMail}
	if diff := cmp.Diff(want, b.called()); diff != "" {
		t.Errorf("bridge calls (-want +got):\n%s", diff)
	}
}

func TestInventoryScans_EmptyAndFailing(t *testing.T) {
	d, store := newTestDispatcher(&fakeBridge{})
	for id, want := range map[string]string{
		ScanApps:         "No applications found.",
		ScanOutdatedApps: "All your apps are up to date.",
		ScanSpaceLens:    "/Users/d uses 0 B.",
		ScanExtensions:   "No launch agents, daemons or browser extensions found.",
		ScanMail:         "No downloaded mail attachments found.",
	} {
		if res := d.Execute(context.Background(), id); !res.Success || res.Summary != want {
			t.Errorf("%s = %+v, want summary %q", id, res, want)
		}
	}
	if got := store.Snapshot().InstalledAppCount; got != 0 {
		t.Errorf("InstalledAppCount = %d, want 0", got)
	}

	d, _ = newTestDispatcher(&fakeBridge{scanErr: bridge.ErrNotConnected})
	for _, id := range []string{ScanApps, ScanOutdatedApps, ScanSpaceLens, ScanExtensions, ScanMail} {
		res := d.Execute(context.Background(), id)
		if res.Success || !strings.Contains(res.Summary, "system helper is not running") {
			t.Errorf("%s with host down = %+v", id, res)
		}
	}
}
