// Package types defines core data structures for mailpilot.
package types

import "time"

// Email is a single fetched Gmail message, immutable once constructed.
type Email struct {
	ID                 string    `json:"id"`
	ThreadID           string    `json:"thread_id"`
	MessageID          string    `json:"message_id,omitempty"`
	References         string    `json:"references,omitempty"`
	From               string    `json:"from"`
	To                 string    `json:"to,omitempty"`
	Subject            string    `json:"subject"`
	Body               string    `json:"body"`
	SentAt             time.Time `json:"sent_at"`
	Unread             bool      `json:"unread"`
	AuthoredByOperator bool      `json:"authored_by_operator"`
	WasCleaned         bool      `json:"was_cleaned,omitempty"`
	Labels             []string  `json:"labels,omitempty"`
}

// Thread is a read-only snapshot of one conversation, oldest message first.
type Thread struct {
	ThreadID           string  `json:"thread_id"`
	Subject            string  `json:"subject"`
	Messages           []Email `json:"messages"`
	HasOperatorMessage bool    `json:"has_operator_message"`
	NeedsReply         bool    `json:"needs_reply"`
}

// Last returns the chronologically newest message, or nil for an empty thread.
func (t *Thread) Last() *Email {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// ThreadRef identifies a thread candidate returned by a mailbox listing.
type ThreadRef struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// Role tags a conversation turn for the language model.
type Role string

// Role constants map onto the wire roles of OpenAI-style chat endpoints:
// operator-authored mail becomes "assistant", counterpart mail "user".
const (
	RoleOperator    Role = "assistant"
	RoleCounterpart Role = "user"
	RoleSystem      Role = "system"
	RoleTool        Role = "tool"
)

// ChatTurn is one role-tagged entry in the rolling model conversation.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Action constants.
const (
	ActionRespond  = "RESPOND"
	ActionArchive  = "ARCHIVE"
	ActionNeedInfo = "NEED_INFO"
)

// ValidActions is the set of allowed classification actions.
var ValidActions = []string{ActionRespond, ActionArchive, ActionNeedInfo}

// IsValidAction checks if an action string is valid.
func IsValidAction(a string) bool {
	for _, v := range ValidActions {
		if v == a {
			return true
		}
	}
	return false
}

// Classification is the model's triage verdict for a thread. Draft is
// optionally supplied by the model in the same call; when empty, a RESPOND
// verdict triggers a separate drafting call.
type Classification struct {
	Action    string   `json:"action"`
	Reason    string   `json:"reason"`
	Questions []string `json:"questions,omitempty"`
	Draft     string   `json:"draft,omitempty"`
}

// Usage reports token consumption from a single model call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Edit records one operator edit instruction applied to a draft.
type Edit struct {
	At          time.Time `json:"at"`
	Instruction string    `json:"instruction"`
}

// ActionResult holds the outcome of one mailbox mutation in a bulk run.
type ActionResult struct {
	EmailID string `json:"email_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}
