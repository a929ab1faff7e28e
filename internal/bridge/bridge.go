// Package bridge is the client side of the host command bridge: the
// privileged host process that performs the actual filesystem scans,
// cleanup, malware checks, and speed tasks. The agent never touches the
// filesystem itself; every concrete operation is one request/response
// round trip through a [Bridge].
package bridge

import (
	"context"
	"errors"
	"fmt"
)

// Commands understood by the host process.
const (
	CmdPing           = "ping"
	CmdScanJunk       = "scan_junk"
	CmdCleanItems     = "clean_items"
	CmdScanMalware    = "scan_malware"
	CmdRunSpeedTask   = "run_speed_task"
	CmdScanLargeFiles = "scan_large_files"
	CmdScheduleTask   = "schedule_task"
	CmdResetContext   = "reset_context"
	CmdSystemStats    = "system_stats"

	CmdScanApps         = "scan_apps"
	CmdScanOutdatedApps = "scan_outdated_apps"
	CmdScanSpaceLens    = "scan_space_lens"
	CmdScanExtensions   = "scan_extensions"
	CmdScanMail         = "scan_mail"
)

// Speed task identifiers accepted by run_speed_task.
const (
	TaskFlushDNS = "flush_dns"
	TaskFreeRAM  = "free_ram"
)

// Bridge is the narrow contract the orchestration layer needs from the
// host process.
type Bridge interface {
	ScanJunk(ctx context.Context) (*ScanResult, error)
	CleanItems(ctx context.Context, paths []string) (*CleanResult, error)
	ScanMalware(ctx context.Context) (*MalwareResult, error)
	RunSpeedTask(ctx context.Context, taskID string) (*SpeedTaskResult, error)
	ScanLargeFiles(ctx context.Context) (*ScanResult, error)
	ScheduleTask(ctx context.Context, cron, taskType string) (string, error)
	ResetContext(ctx context.Context) (*ContextStore, error)
	SystemStats(ctx context.Context) (*SystemStats, error)

	ScanApps(ctx context.Context) ([]AppInfo, error)
	ScanOutdatedApps(ctx context.Context) ([]OutdatedApp, error)
	ScanSpaceLens(ctx context.Context) (*FileNode, error)
	ScanExtensions(ctx context.Context) ([]ExtensionItem, error)
	ScanMail(ctx context.Context) ([]MailAttachment, error)
}

// ScannedItem is one file or directory found by a scan.
type ScannedItem struct {
	Path         string `json:"path"`
	SizeBytes    uint64 `json:"size_bytes"`
	Category     string `json:"category_name"`
	IsDirectory  bool   `json:"is_directory"`
	AccessedDate *int64 `json:"accessed_date,omitempty"`
}

// ScanResult is returned by scan_junk and scan_large_files.
type ScanResult struct {
	Items          []ScannedItem `json:"items"`
	TotalSizeBytes uint64        `json:"total_size_bytes"`
	Errors         []string      `json:"errors"`
}

// Paths returns the path of every item, in scan order.
func (r *ScanResult) Paths() []string {
	if r == nil {
		return nil
	}
	paths := make([]string, len(r.Items))
	for i, it := range r.Items {
		paths[i] = it.Path
	}
	return paths
}

// CleanResult is returned by clean_items.
type CleanResult struct {
	Removed int      `json:"removed"`
	Errors  []string `json:"errors"`
}

// Threat is one malware finding.
type Threat struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// MalwareResult is returned by scan_malware.
type MalwareResult struct {
	ThreatsFound []Threat `json:"threats_found"`
	Status       string   `json:"status"`
}

// SpeedTaskResult is returned by run_speed_task.
type SpeedTaskResult struct {
	Task   string `json:"task"`
	Status string `json:"status"`
}

// SystemStats is the host's live telemetry sample. Disk figures are for
// the boot volume.
type SystemStats struct {
	CPULoad     float64 `json:"cpu_load"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	DiskTotal   uint64  `json:"disk_total"`
	DiskUsed    uint64  `json:"disk_used"`
}

// AppInfo is one installed application reported by scan_apps.
type AppInfo struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	BundleID  string  `json:"bundle_id,omitempty"`
	SizeBytes uint64  `json:"size_bytes"`
	LastUsed  *uint64 `json:"last_used,omitempty"` // unix seconds
	Store     string  `json:"store,omitempty"`     // appstore, setapp, steam, blizzard, other
	Vendor    string  `json:"vendor,omitempty"`
}

// OutdatedApp is an application with a newer version available.
type OutdatedApp struct {
	Name           string `json:"name"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
}

// FileNode is one entry of the space lens tree. Children is nil for
// files.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Size     uint64     `json:"size"`
	Children []FileNode `json:"children,omitempty"`
	IsDir    bool       `json:"is_dir"`
}

// ExtensionItem is a launch agent, launch daemon or browser extension.
type ExtensionItem struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// MailAttachment is a downloaded mail attachment.
type MailAttachment struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	SizeBytes uint64 `json:"size_bytes"`
}

// DeletionRecord is one clean operation remembered by the host.
type DeletionRecord struct {
	Timestamp       string   `json:"timestamp"`
	PathsDeleted    []string `json:"paths_deleted"`
	TotalBytesFreed uint64   `json:"total_bytes_freed"`
}

// SystemEvent is a filesystem event observed by the host watcher.
type SystemEvent struct {
	Timestamp   string `json:"timestamp"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// UserPrefs survive a context reset.
type UserPrefs struct {
	AlwaysSkipPatterns []string `json:"always_skip_patterns"`
	AutoConfirmCaches  bool     `json:"auto_confirm_caches"`
}

// ContextStore is the host's persistent context, returned fresh by
// reset_context.
type ContextStore struct {
	LastScanTimestamp *string          `json:"last_scan_timestamp"`
	DeletionHistory   []DeletionRecord `json:"deletion_history"`
	SystemEvents      []SystemEvent    `json:"system_events"`
	UserPreferences   UserPrefs        `json:"user_preferences"`
}

// ErrNotConnected is returned when a call is made before Connect or
// after the connection dropped.
var ErrNotConnected = errors.New("bridge not connected")

// CallError is a failure reported by the host for one command.
type CallError struct {
	Command string
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("bridge %s: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("bridge %s: %s: %s", e.Command, e.Code, e.Message)
}
