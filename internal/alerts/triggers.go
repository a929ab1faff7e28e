package alerts

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/actions"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// Trigger names.
const (
	TriggerHighCPU    = "high_cpu"
	TriggerHighMemory = "high_memory"
	TriggerJunk       = "junk_accumulated"
)

// Trigger inspects a snapshot and proposes an alert. The scheduler
// fills in ID, Trigger and Timestamp.
type Trigger interface {
	Name() string
	Check(snap telemetry.Snapshot) (Alert, bool)
}

// resetter is implemented by triggers with sample state that should
// start over once their alert was emitted.
type resetter interface {
	Reset()
}

// DefaultTriggers returns the triggers in priority order. A zero
// threshold leaves its trigger out.
func DefaultTriggers(cfg config.AlertsConfig) []Trigger {
	var ts []Trigger
	if cfg.CPUPercent > 0 {
		ts = append(ts, NewHighCPU(cfg.CPUPercent, cfg.CPUSamples))
	}
	if cfg.MemoryPercent > 0 {
		ts = append(ts, HighMemory{Threshold: cfg.MemoryPercent})
	}
	if cfg.JunkBytes > 0 {
		ts = append(ts, Junk{Threshold: cfg.JunkBytes})
	}
	return ts
}

// HighCPU fires once the load has been at or above its threshold for
// the configured number of consecutive checks.
type HighCPU struct {
	threshold float64
	samples   int

	mu     sync.Mutex
	streak int
}

// NewHighCPU creates a sustained CPU trigger. samples below 1 count as 1.
func NewHighCPU(threshold float64, samples int) *HighCPU {
	if samples < 1 {
		samples = 1
	}
	return &HighCPU{threshold: threshold, samples: samples}
}

func (*HighCPU) Name() string { return TriggerHighCPU }

func (h *HighCPU) Check(snap telemetry.Snapshot) (Alert, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if snap.CPULoadPercent >= h.threshold {
		h.streak++
	} else {
		h.streak = 0
	}
	if h.streak < h.samples {
		return Alert{}, false
	}
	return Alert{
		Title:  "High CPU Usage Detected",
		Body:   fmt.Sprintf("Your Mac is working hard (CPU: %.0f%%). Click to optimize.", snap.CPULoadPercent),
		Action: actions.OptimizeSpeed,
	}, true
}

// Reset clears the streak after an emitted alert.
func (h *HighCPU) Reset() {
	h.mu.Lock()
	h.streak = 0
	h.mu.Unlock()
}

// HighMemory fires when used memory is above Threshold percent.
type HighMemory struct {
	Threshold float64
}

func (HighMemory) Name() string { return TriggerHighMemory }

func (m HighMemory) Check(snap telemetry.Snapshot) (Alert, bool) {
	if snap.MemoryTotal == 0 {
		return Alert{}, false
	}
	pct := snap.MemoryPercent()
	if pct <= m.Threshold {
		return Alert{}, false
	}
	return Alert{
		Title:  "Memory is Full",
		Body:   fmt.Sprintf("RAM is %.0f%% full. Free up memory to speed up your Mac.", pct),
		Action: actions.OptimizeSpeed,
	}, true
}

// Junk fires when the most recent junk scan found at least Threshold
// bytes.
type Junk struct {
	Threshold uint64
}

func (Junk) Name() string { return TriggerJunk }

func (j Junk) Check(snap telemetry.Snapshot) (Alert, bool) {
	if snap.LastJunkScan == nil || snap.LastJunkScan.TotalBytes < j.Threshold {
		return Alert{}, false
	}
	return Alert{
		Title: "Junk Is Piling Up",
		Body: fmt.Sprintf("%s of junk across %s items. Clean up to reclaim the space.",
			humanize.Bytes(snap.LastJunkScan.TotalBytes), humanize.Comma(int64(snap.LastJunkScan.ItemCount))),
		Action: actions.CleanJunk,
	}, true
}
