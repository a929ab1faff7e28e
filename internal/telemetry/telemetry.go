// Package telemetry holds the live system picture the agent reasons
// about: CPU and memory samples from the host, the outcome of the most
// recent scans, and the user profile. A [Snapshot] is an immutable copy
// taken once per turn; nothing downstream reads the store directly.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/bridge"
)

// ScanSummary is the size of a scan outcome.
type ScanSummary struct {
	ItemCount  int
	TotalBytes uint64
}

// Snapshot is the per-turn view of the system.
type Snapshot struct {
	CPULoadPercent    float64
	MemoryUsed        uint64
	MemoryTotal       uint64
	DiskUsed          uint64
	DiskTotal         uint64
	LastJunkScan      *ScanSummary
	LastLargeFileScan *ScanSummary
	InstalledAppCount int // 0 until the first app scan
	UserName          string
	UserRole          string
	Timestamp         time.Time
}

// MemoryPercent returns used memory as a percentage of total, or 0 when
// total is unknown.
func (s Snapshot) MemoryPercent() float64 {
	if s.MemoryTotal == 0 {
		return 0
	}
	return float64(s.MemoryUsed) / float64(s.MemoryTotal) * 100
}

// DiskPercent returns used disk space as a percentage of total, or 0
// when total is unknown.
func (s Snapshot) DiskPercent() float64 {
	if s.DiskTotal == 0 {
		return 0
	}
	return float64(s.DiskUsed) / float64(s.DiskTotal) * 100
}

// Source produces snapshots.
type Source interface {
	Snapshot() Snapshot
}

// Store is the in-process telemetry store. It is updated by the stats
// poller and by scan actions, and read through [Store.Snapshot].
type Store struct {
	mu    sync.RWMutex
	stats bridge.SystemStats
	junk  *ScanSummary
	large *ScanSummary
	apps  int
	name  string
	role  string
	now   func() time.Time
}

// NewStore creates a store for the given user profile.
func NewStore(userName, userRole string) *Store {
	return &Store{name: userName, role: userRole, now: time.Now}
}

// UpdateStats replaces the live CPU/memory sample.
func (s *Store) UpdateStats(st bridge.SystemStats) {
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}

// RecordJunkScan remembers the latest junk scan outcome.
func (s *Store) RecordJunkScan(r *bridge.ScanResult) {
	sum := summarize(r)
	s.mu.Lock()
	s.junk = sum
	s.mu.Unlock()
}

// RecordLargeFileScan remembers the latest large-file scan outcome.
func (s *Store) RecordLargeFileScan(r *bridge.ScanResult) {
	sum := summarize(r)
	s.mu.Lock()
	s.large = sum
	s.mu.Unlock()
}

// RecordAppScan remembers how many applications are installed.
func (s *Store) RecordAppScan(apps []bridge.AppInfo) {
	s.mu.Lock()
	s.apps = len(apps)
	s.mu.Unlock()
}

// ClearJunkScan forgets the junk scan, typically after a clean.
func (s *Store) ClearJunkScan() {
	s.mu.Lock()
	s.junk = nil
	s.mu.Unlock()
}

// SetProfile changes the user profile.
func (s *Store) SetProfile(name, role string) {
	s.mu.Lock()
	s.name, s.role = name, role
	s.mu.Unlock()
}

// Snapshot implements [Source]. Scan summaries are copied so callers
// cannot mutate the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		CPULoadPercent:    s.stats.CPULoad,
		MemoryUsed:        s.stats.MemoryUsed,
		MemoryTotal:       s.stats.MemoryTotal,
		DiskUsed:          s.stats.DiskUsed,
		DiskTotal:         s.stats.DiskTotal,
		LastJunkScan:      clone(s.junk),
		LastLargeFileScan: clone(s.large),
		InstalledAppCount: s.apps,
		UserName:          s.name,
		UserRole:          s.role,
		Timestamp:         s.now(),
	}
}

func summarize(r *bridge.ScanResult) *ScanSummary {
	if r == nil {
		return nil
	}
	return &ScanSummary{ItemCount: len(r.Items), TotalBytes: r.TotalSizeBytes}
}

func clone(s *ScanSummary) *ScanSummary {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// StatsFetcher is the part of the bridge the poller needs.
type StatsFetcher interface {
	SystemStats(ctx context.Context) (*bridge.SystemStats, error)
}

// AppScanner is the part of the bridge that lists installed apps.
type AppScanner interface {
	ScanApps(ctx context.Context) ([]bridge.AppInfo, error)
}

// RefreshApps counts the installed applications once. The app scan is
// slow, so it runs at startup and on request rather than every poll.
func (s *Store) RefreshApps(ctx context.Context, src AppScanner) error {
	apps, err := src.ScanApps(ctx)
	if err != nil {
		return err
	}
	s.RecordAppScan(apps)
	return nil
}

// Poll refreshes the store from the host every interval until ctx is
// cancelled. Failed samples keep the previous values. The first sample
// is taken immediately.
func (s *Store) Poll(ctx context.Context, src StatsFetcher, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	refresh := func() {
		st, err := src.SystemStats(ctx)
		if err != nil {
			logger.Debug("system stats refresh failed", "error", err)
			return
		}
		s.UpdateStats(*st)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
