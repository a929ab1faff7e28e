package protocol

import "strings"

// Rescuer infers an action from a reply that describes one without
// emitting the tag. It receives the lowercased reply.
type Rescuer interface {
	Rescue(lower string) (actionID string, ok bool)
}

// RescueRule maps a cluster of phrases to an action. Any phrase
// matching selects the rule.
type RescueRule struct {
	Phrases []string
	Action  string
}

// KeywordRescuer walks its rules in order; the first rule with a
// matching phrase wins.
type KeywordRescuer struct {
	Rules []RescueRule
}

// Rescue implements [Rescuer].
func (k KeywordRescuer) Rescue(lower string) (string, bool) {
	for _, r := range k.Rules {
		for _, p := range r.Phrases {
			if strings.Contains(lower, p) {
				return r.Action, true
			}
		}
	}
	return "", false
}

// DefaultRescueRules are the phrase clusters observed in replies from
// models that skip the tag. Keep the list explicit; add entries only
// for phrasing seen in practice.
var DefaultRescueRules = []RescueRule{
	{
		Phrases: []string{"junk", "scanning your", "scan your system", "scan your mac", "clean up your"},
		Action:  "scan_junk",
	},
	{
		Phrases: []string{"overview", "system status", "status of your"},
		Action:  "show_overview",
	},
}

// DefaultRescuer returns a KeywordRescuer over [DefaultRescueRules].
func DefaultRescuer() KeywordRescuer {
	return KeywordRescuer{Rules: DefaultRescueRules}
}

// NoRescue never infers anything.
type NoRescue struct{}

// Rescue implements [Rescuer].
func (NoRescue) Rescue(string) (string, bool) { return "", false }
