// Package llm adapts the interchangeable inference backends to a single
// contract: send a conversation, get raw reply text back.
package llm

import "strings"

// Roles of conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Clone returns a copy of msgs that shares nothing with the original.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// LastUser returns the index of the last user message, or -1.
func LastUser(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// splitSystem separates system messages from the rest, joining their
// content. Used by backends that take the system prompt out of band.
func splitSystem(msgs []Message) (string, []Message) {
	var sys []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}
