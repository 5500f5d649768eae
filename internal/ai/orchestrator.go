package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
	"github.com/mailpilot/mailpilot/internal/user"
)

var errEmptyResponse = errors.New("model returned no choices")

// QA pairs a follow-up question with the operator's answer.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

const classifyInstructions = `You are an email assistant for %s. Today is %s.

Analyze this email thread and decide whether it needs a reply.

Return "action":"ARCHIVE" if the thread is clearly promotional or automated:
marketing newsletters, service notifications, social media alerts,
system-generated reports, bulk mail, no-reply senders, subscription updates.

Return "action":"RESPOND" if any of these hold: the mail is from a real
person, contains a direct question or request, needs input or
acknowledgment, continues an ongoing conversation, or is time-sensitive.

Return "action":"NEED_INFO" with one to three short "questions" only when
you genuinely cannot decide without information the operator has.

You may include a "draft" with proposed reply text when the action is
RESPOND; leave it out if unsure.

Respond ONLY with pure JSON, no surrounding text and no code fences:
{"action":"RESPOND|ARCHIVE|NEED_INFO","reason":"brief explanation","questions":["..."],"draft":"..."}`

const draftInstructions = `Write a reply to this email thread on behalf of %s.

Guidelines:
- Be concise; respect the recipient's time.
- Write in the same language and at the formality level of the original.
- Clear, well-organized paragraphs separated by blank lines.
- First person, direct, no filler or empty pleasantries.
- Mention only facts present in the thread.

Output plain text only: no markdown, no headers like To:/Subject:, just the
email body.%s`

const refineInstructions = `Revise the draft reply below according to the edit instruction. Keep the
same language and tone unless the instruction says otherwise. Output only
the revised email body as plain text.

Current draft:
%s

Edit instruction:
%s`

const summarizeInstructions = `Summarize this email thread in two or three plain sentences for a busy
reader deciding what to do with it. No markdown, no preamble.`

// Classify runs the classification call over the thread, folding in any
// follow-up answers already collected. Malformed model output resolves to a
// conservative archive verdict instead of an error; only transport-level
// failure is returned.
func (c *Client) Classify(ctx context.Context, turns []types.ChatTurn, answers []QA) (types.Classification, types.Usage, error) {
	prof := fmt.Sprintf(classifyInstructions, c.operatorName(), time.Now().Format("2006-01-02"))

	// The instruction block brackets the thread so long threads cannot push
	// it out of attention.
	msgs := make([]types.ChatTurn, 0, len(turns)+3)
	msgs = append(msgs, types.ChatTurn{Role: types.RoleSystem, Content: prof})
	msgs = append(msgs, turns...)
	if len(answers) > 0 {
		var b strings.Builder
		b.WriteString("The operator answered these clarifying questions:\n")
		for _, qa := range answers {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
		}
		msgs = append(msgs, types.ChatTurn{Role: types.RoleCounterpart, Content: b.String()})
	}
	msgs = append(msgs, types.ChatTurn{Role: types.RoleCounterpart, Content: prof})

	comp, err := c.Complete(ctx, msgs, Options{JSONMode: true})
	if err != nil {
		return types.Classification{}, types.Usage{}, err
	}

	cls, perr := parseClassification(comp.Content)
	if perr != nil {
		c.log.Error("unparseable classification, defaulting to archive",
			"err", perr, "content", truncate(comp.Content, 200))
		return types.Classification{
			Action: types.ActionArchive,
			Reason: "model output was not valid JSON; defaulting to no reply",
		}, comp.Usage, nil
	}
	return cls, comp.Usage, nil
}

// Draft produces a freeform reply for the thread.
func (c *Client) Draft(ctx context.Context, turns []types.ChatTurn) (string, types.Usage, error) {
	sig := ""
	if c.profile != nil && c.profile.Prefs.UseSignature && c.profile.Signature != "" {
		sig = "\n\nEnd with this signature:\n" + c.profile.Signature
	} else {
		sig = "\n\nDo not add any signature."
	}
	inst := fmt.Sprintf(draftInstructions, c.operatorName(), sig)

	msgs := make([]types.ChatTurn, 0, len(turns)+1)
	msgs = append(msgs, turns...)
	msgs = append(msgs, types.ChatTurn{Role: types.RoleCounterpart, Content: inst})

	comp, err := c.Complete(ctx, msgs, Options{})
	if err != nil {
		return "", types.Usage{}, err
	}
	return strings.TrimSpace(comp.Content), comp.Usage, nil
}

// Refine reruns drafting with an operator edit instruction. Earlier edits in
// history are included so successive instructions compose.
func (c *Client) Refine(ctx context.Context, turns []types.ChatTurn, draft, instruction string, history []types.Edit) (string, types.Usage, error) {
	inst := fmt.Sprintf(refineInstructions, draft, instruction)
	if len(history) > 0 {
		var b strings.Builder
		b.WriteString("\n\nEarlier edit instructions already applied:\n")
		for i, e := range history {
			fmt.Fprintf(&b, "%d. %s\n", i+1, e.Instruction)
		}
		inst += b.String()
	}

	msgs := make([]types.ChatTurn, 0, len(turns)+1)
	msgs = append(msgs, turns...)
	msgs = append(msgs, types.ChatTurn{Role: types.RoleCounterpart, Content: inst})

	comp, err := c.Complete(ctx, msgs, Options{})
	if err != nil {
		return "", types.Usage{}, err
	}
	return strings.TrimSpace(comp.Content), comp.Usage, nil
}

// Summarize returns a short thread summary for the confirmation prompt.
// Failures degrade to an empty summary; the confirmation renders without one.
func (c *Client) Summarize(ctx context.Context, turns []types.ChatTurn) string {
	msgs := make([]types.ChatTurn, 0, len(turns)+1)
	msgs = append(msgs, turns...)
	msgs = append(msgs, types.ChatTurn{Role: types.RoleCounterpart, Content: summarizeInstructions})

	comp, err := c.Complete(ctx, msgs, Options{})
	if err != nil {
		c.log.Warn("thread summary failed", "err", err)
		return ""
	}
	return strings.TrimSpace(comp.Content)
}

// SetProfile attaches the operator profile used in prompt text.
func (c *Client) SetProfile(p *user.Profile) {
	c.profile = p
}

func (c *Client) operatorName() string {
	if c.profile == nil || c.profile.FirstName == "" {
		return "the operator"
	}
	return c.profile.DisplayName()
}

func parseClassification(content string) (types.Classification, error) {
	content = strings.TrimSpace(content)
	// Models occasionally fence the JSON despite instructions.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var cls types.Classification
	if err := json.Unmarshal([]byte(content), &cls); err != nil {
		return types.Classification{}, err
	}
	cls.Action = strings.ToUpper(strings.TrimSpace(cls.Action))
	if !types.IsValidAction(cls.Action) {
		return types.Classification{}, fmt.Errorf("unknown action %q", cls.Action)
	}
	if cls.Action == types.ActionNeedInfo && len(cls.Questions) == 0 {
		return types.Classification{}, errors.New("NEED_INFO without questions")
	}
	return cls, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
