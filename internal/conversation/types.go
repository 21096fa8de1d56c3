// Package conversation keeps per-project conversation context.
//
// Exactly one Context exists per project. The Store holds at most one
// in-memory copy of each and hands out copies, so a context read for one
// project can never observe turns appended to another. When a context grows
// past MaxTurns, the oldest turns are folded into PrunedSummary by a
// Summarizer and only the newest RetainTurns are kept verbatim.
package conversation

import "time"

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the conversation state of one project.
type Context struct {
	ProjectID     string    `json:"project_id"`
	Turns         []Turn    `json:"turns"`
	PrunedSummary string    `json:"pruned_summary,omitempty"`
	PrunedTurns   int       `json:"pruned_turns,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy of c.
func (c Context) Clone() Context {
	out := c
	out.Turns = make([]Turn, len(c.Turns))
	copy(out.Turns, c.Turns)
	return out
}

// Empty reports whether the context holds no turns and no summary.
func (c Context) Empty() bool {
	return len(c.Turns) == 0 && c.PrunedSummary == ""
}

// Recent returns up to n of the newest turns.
func (c Context) Recent(n int) []Turn {
	if n <= 0 || n >= len(c.Turns) {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}
