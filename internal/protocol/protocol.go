// Package protocol extracts the text-based tool protocol from raw model
// replies: at most one ACTION tag, any number of SCHEDULE directives,
// and the cleaned text shown to the user.
//
// Wire format:
//
//	Scanning now.
//	ACTION:scan_junk
//	SCHEDULE:0 9 * * 1 scan_junk
//
// The marker word is case-insensitive and may be wrapped in Markdown
// emphasis, before or after the colon. Identifiers are letters, digits, underscores and colons
// (navigate:settings).
package protocol

import (
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// Kind tells how an action was found.
type Kind int

const (
	NoAction Kind = iota
	Explicit
	Inferred
)

func (k Kind) String() string {
	switch k {
	case Explicit:
		return "explicit"
	case Inferred:
		return "inferred"
	default:
		return "none"
	}
}

// Action is the parse outcome for the action marker.
type Action struct {
	Kind Kind
	ID   string
}

// Found reports whether an action should be dispatched.
func (a Action) Found() bool { return a.Kind != NoAction }

// Schedule is a validated SCHEDULE directive.
type Schedule struct {
	Cron string
	Task string
}

// RejectedSchedule is a SCHEDULE line that could not be used.
type RejectedSchedule struct {
	Line   string
	Reason string
}

// Parsed is everything extracted from one reply.
type Parsed struct {
	Action    Action
	Schedules []Schedule
	Rejected  []RejectedSchedule
	// Display is the reply with protocol markers removed.
	Display string
}

var (
	// The leading group keeps "reaction:" and similar from matching.
	actionRe      = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])[*_]*ACTION[*_]*\s*:\s*[*_]*\s*([a-z0-9_:]+)`)
	actionStripRe = regexp.MustCompile(`(?i)(^|[^a-z0-9])[*_]*ACTION[*_]*\s*:\s*[*_]*\s*[a-z0-9_:]+[*_]*`)
	scheduleRe    = regexp.MustCompile(`(?i)^[\s*_]*SCHEDULE\s*:[*_]*\s*(.*)$`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// cronParser accepts the classic five fields only.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parser extracts the protocol from replies. The zero value is not
// usable; use [NewParser].
type Parser struct {
	rescuer Rescuer
}

// NewParser creates a parser. A nil rescuer means [DefaultRescuer].
func NewParser(r Rescuer) *Parser {
	if r == nil {
		r = DefaultRescuer()
	}
	return &Parser{rescuer: r}
}

// Parse extracts the action, schedules and display text from raw.
// followUp marks a turn answering a completed-action notice; the
// rescuer never runs for those.
func (p *Parser) Parse(raw string, followUp bool) Parsed {
	var out Parsed
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		m := scheduleRe.FindStringSubmatch(line)
		if m == nil {
			kept = append(kept, line)
			continue
		}
		s, reason := parseSchedule(m[1])
		if reason != "" {
			out.Rejected = append(out.Rejected, RejectedSchedule{Line: strings.TrimSpace(line), Reason: reason})
			continue
		}
		out.Schedules = append(out.Schedules, s)
	}

	out.Display = clean(strings.Join(kept, "\n"))
	out.Action = p.action(raw, out.Display, followUp)
	return out
}

// action looks for a tag in the raw reply. The rescuer sees only the
// display text, never schedule directives.
func (p *Parser) action(raw, display string, followUp bool) Action {
	if m := actionRe.FindStringSubmatch(raw); m != nil {
		if id := strings.Trim(strings.ToLower(m[1]), "_:"); id != "" {
			return Action{Kind: Explicit, ID: id}
		}
	}
	if followUp {
		return Action{}
	}
	if id, ok := p.rescuer.Rescue(strings.ToLower(display)); ok {
		return Action{Kind: Inferred, ID: id}
	}
	return Action{}
}

// parseSchedule splits "m h dom mon dow task..." and validates the cron
// part. A non-empty reason means the directive is rejected.
func parseSchedule(body string) (Schedule, string) {
	fields := strings.Fields(body)
	if len(fields) < 6 {
		return Schedule{}, "want five cron fields followed by a task"
	}
	expr := strings.Join(fields[:5], " ")
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, err.Error()
	}
	task := strings.Trim(strings.Join(fields[5:], " "), "*_ ")
	if task == "" {
		return Schedule{}, "missing task"
	}
	return Schedule{Cron: expr, Task: task}, ""
}

// clean strips action markers, trims line ends, collapses runs of blank
// lines and trims the result.
func clean(s string) string {
	s = actionStripRe.ReplaceAllString(s, "$1")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
