// Package budget bounds the rolling model conversation by token usage.
//
// The budget does not count tokens itself; it trusts the prompt-token usage
// reported by the previous model call and prunes the oldest committed turns
// when that usage crosses the ceiling. Trimming is best-effort cost control:
// losing old turns degrades context, it never fails.
package budget

import (
	"math"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Conversation is a size-bounded list of role-tagged turns.
type Conversation struct {
	turns        []types.ChatTurn
	lastPrompt   int64
	tokenCeiling int64
	trimFraction float64
}

// New returns a Conversation that trims the oldest trimFraction of turns
// once a call reports more than ceiling prompt tokens.
func New(ceiling int64, trimFraction float64) *Conversation {
	return &Conversation{tokenCeiling: ceiling, trimFraction: trimFraction}
}

// Append commits one turn to the history.
func (c *Conversation) Append(turn types.ChatTurn) {
	c.turns = append(c.turns, turn)
}

// AppendAll commits a batch of turns in order.
func (c *Conversation) AppendAll(turns []types.ChatTurn) {
	c.turns = append(c.turns, turns...)
}

// RecordUsage stores the prompt-token count reported by the last model call.
func (c *Conversation) RecordUsage(u types.Usage) {
	c.lastPrompt = u.PromptTokens
}

// ShouldTrim reports whether the last recorded usage exceeded the ceiling.
func (c *Conversation) ShouldTrim() bool {
	return c.lastPrompt > c.tokenCeiling
}

// Trim drops the oldest ceil(len*fraction) committed turns. It only prunes
// history already committed; the caller appends the in-flight turn after
// trimming. Repeated trims converge toward an empty history.
func (c *Conversation) Trim() {
	n := len(c.turns)
	if n == 0 {
		return
	}
	drop := int(math.Ceil(float64(n) * c.trimFraction))
	if drop > n {
		drop = n
	}
	c.turns = c.turns[drop:]
}

// MaybeTrim trims once if the last usage crossed the ceiling, then resets
// the recorded usage so a single overrun does not trim on every append.
func (c *Conversation) MaybeTrim() bool {
	if !c.ShouldTrim() {
		return false
	}
	c.Trim()
	c.lastPrompt = 0
	return true
}

// Turns returns the committed history. Callers must not mutate it.
func (c *Conversation) Turns() []types.ChatTurn {
	return c.turns
}

// Len returns the number of committed turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}
