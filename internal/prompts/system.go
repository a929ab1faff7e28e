package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/llm"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// FollowUpMarker starts the synthetic user message that reports a
// completed action back to the model. A turn ending in such a message
// must not dispatch another action.
const FollowUpMarker = "[ACTION_COMPLETE]"

// IsFollowUp reports whether m is a synthetic follow-up notice.
func IsFollowUp(m llm.Message) bool {
	return m.Role == llm.RoleUser && strings.HasPrefix(strings.TrimSpace(m.Content), FollowUpMarker)
}

// DefaultPersonality is used when the persona sets none.
const DefaultPersonality = "Be warm, brief and practical. Explain what you are about to do in one sentence before doing it."

// Persona is the assistant's voice.
type Persona struct {
	AssistantName string
	Personality   string
}

// ReinforcementSuffix is appended to the latest user message so small
// models remember the protocol at the point they start generating.
const ReinforcementSuffix = "\n\n(If this needs a system operation, end your reply with exactly one ACTION: line.)"

// Assemble builds the conversation sent to the provider: one freshly
// rendered system message followed by the prior messages with every
// system message removed. prior is not modified.
func Assemble(snap telemetry.Snapshot, p Persona, prior []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(prior)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: SystemPrompt(snap, p)})
	for _, m := range prior {
		if m.Role == llm.RoleSystem {
			continue
		}
		out = append(out, m)
	}

	if i := llm.LastUser(out); i > 0 && !IsFollowUp(out[i]) {
		out[i].Content += ReinforcementSuffix
	}
	return out
}

// SystemPrompt renders the system message for one turn.
func SystemPrompt(snap telemetry.Snapshot, p Persona) string {
	name := p.AssistantName
	if name == "" {
		name = "Alto"
	}
	personality := p.Personality
	if personality == "" {
		personality = DefaultPersonality
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a Mac maintenance assistant. %s\n", name, greeting(snap))

	sb.WriteString("\n## Actions\n")
	sb.WriteString("To run an operation, put it on its own line as ACTION:<id>. Use at most one per reply.\n")
	for _, a := range Actions {
		fmt.Fprintf(&sb, "- %s: %s\n", a.ID, a.Description)
	}
	sb.WriteString("\nTo schedule a recurring task, add a line SCHEDULE:<minute> <hour> <day> <month> <weekday> <task>.\n")
	sb.WriteString("Example: SCHEDULE:0 9 * * 1 scan_junk\n")
	sb.WriteString("Never invent scan results. Only report numbers from the snapshot below or from a finished action.\n")

	sb.WriteString("\n## System snapshot\n")
	fmt.Fprintf(&sb, "- Taken: %s\n", snap.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "- CPU load: %.1f%%\n", snap.CPULoadPercent)
	if snap.MemoryTotal > 0 {
		fmt.Fprintf(&sb, "- Memory: %s of %s used (%.0f%%)\n",
			FormatBytes(snap.MemoryUsed), FormatBytes(snap.MemoryTotal), snap.MemoryPercent())
	} else {
		sb.WriteString("- Memory: unknown\n")
	}
	if snap.DiskTotal > 0 {
		fmt.Fprintf(&sb, "- Disk: %s of %s used (%.0f%%)\n",
			FormatBytes(snap.DiskUsed), FormatBytes(snap.DiskTotal), snap.DiskPercent())
	}
	fmt.Fprintf(&sb, "- Last junk scan: %s\n", scanLine(snap.LastJunkScan))
	fmt.Fprintf(&sb, "- Last large-file scan: %s\n", scanLine(snap.LastLargeFileScan))
	if snap.InstalledAppCount > 0 {
		fmt.Fprintf(&sb, "- Installed apps: %s\n", FormatCount(snap.InstalledAppCount))
	} else {
		sb.WriteString("- Installed apps: not counted yet\n")
	}

	sb.WriteString("\n## Style\n")
	sb.WriteString(personality)
	sb.WriteString("\n")
	return sb.String()
}

func greeting(snap telemetry.Snapshot) string {
	switch {
	case snap.UserName != "" && snap.UserRole != "":
		return fmt.Sprintf("You are helping %s, who works as a %s.", snap.UserName, snap.UserRole)
	case snap.UserName != "":
		return fmt.Sprintf("You are helping %s.", snap.UserName)
	default:
		return "You are helping the owner of this Mac."
	}
}

func scanLine(s *telemetry.ScanSummary) string {
	if s == nil {
		return "not run yet"
	}
	return fmt.Sprintf("%s items, %s", FormatCount(s.ItemCount), FormatBytes(s.TotalBytes))
}
