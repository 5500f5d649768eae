package confirm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailpilot/mailpilot/internal/telegram"
	"github.com/mailpilot/mailpilot/internal/types"
)

const selectionDisplayCap = 20

func esc(s string) string {
	return telegram.EscapeMarkdown(s)
}

// sendActionMenu renders the initial confirmation menu for a classified
// thread. The digits offered depend on the suggested action.
func (m *Manager) sendActionMenu(ctx context.Context, operator int64, p *Pending, reason string) error {
	var b strings.Builder
	b.WriteString("📧 *Email Action Required*\n\n")
	fmt.Fprintf(&b, "*Subject:* %s\n", esc(orDefault(p.Original.Subject, "(no subject)")))
	fmt.Fprintf(&b, "*From:* %s\n", esc(orDefault(p.Original.From, "unknown")))
	if p.Summary != "" {
		fmt.Fprintf(&b, "\n*Thread Summary:*\n%s\n", esc(p.Summary))
	}
	fmt.Fprintf(&b, "\n*Suggested Action:* %s\n", esc(p.Action))
	if reason != "" {
		fmt.Fprintf(&b, "*Reason:* %s\n", esc(reason))
	}

	var keyboard [][]string
	if p.Action == types.ActionRespond {
		fmt.Fprintf(&b, "\n*Proposed Response:*\n%s\n", esc(p.Draft))
		b.WriteString("\nReply with:\n1 to Confirm and Send\n2 to Reject\n3 to Edit Response\n4 to Force Archive\n5 to Mark Read Only")
		keyboard = [][]string{{"1", "2", "3", "4", "5"}}
	} else {
		b.WriteString("\nReply with:\n1 to Confirm Archive\n2 to Reject\n3 to Force Reply\n4 to Mark Read Only")
		keyboard = [][]string{{"1", "2", "3", "4"}}
	}

	return m.chat.SendMessage(ctx, operator, b.String(),
		&telegram.SendOptions{Keyboard: keyboard})
}

// sendEditedMenu re-confirms a refined draft, rendering the accumulated edit
// history so the operator can see how the draft evolved.
func (m *Manager) sendEditedMenu(ctx context.Context, operator int64, p *Pending) error {
	var b strings.Builder
	b.WriteString("📧 *Confirm Final Response*\n\n")
	fmt.Fprintf(&b, "*Current Response:*\n%s\n", esc(p.Draft))
	if len(p.EditHistory) > 0 {
		b.WriteString("\n*Edit History:*\n")
		for i, e := range p.EditHistory {
			fmt.Fprintf(&b, "Edit %d \\(%s\\): %s\n",
				i+1, esc(e.At.Format("15:04:05")), esc(e.Instruction))
		}
	}
	b.WriteString("\nReply with:\n1 to Confirm and Send\n2 to Cancel\n3 to Edit Again\n4 to Force Archive\n5 to Mark Read Only")

	return m.chat.SendMessage(ctx, operator, b.String(),
		&telegram.SendOptions{Keyboard: [][]string{{"1", "2", "3", "4", "5"}}})
}

func (m *Manager) sendBulkChoice(ctx context.Context, operator int64, p *Pending) error {
	total := len(p.Similar)
	display := p.Similar
	if len(display) > 5 {
		display = display[:5]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📧 *Similar Emails Found*\n\nFound %d similar emails", total)
	if total > 5 {
		b.WriteString(" \\(showing first 5\\)")
	}
	b.WriteString("\\.\n\n*Original Email:*\n")
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n", esc(p.Original.From), esc(p.Original.Subject))
	b.WriteString("\n*Similar Emails:*\n")
	for i, e := range display {
		fmt.Fprintf(&b, "%d\\. *From:* %s\n    *Subject:* %s\n\n", i+1, esc(e.From), esc(e.Subject))
	}
	fmt.Fprintf(&b, "Reply with:\n1 to Archive All \\(%d emails\\)\n2 to Archive Original Only\n3 to Select Individual Emails", total+1)

	return m.chat.SendMessage(ctx, operator, b.String(),
		&telegram.SendOptions{Keyboard: [][]string{{"1", "2", "3"}}})
}

func (m *Manager) sendSelectionPrompt(ctx context.Context, operator int64, p *Pending) error {
	display := p.Similar
	if len(display) > selectionDisplayCap {
		display = display[:selectionDisplayCap]
	}

	var b strings.Builder
	b.WriteString("Select emails to archive \\(send numbers separated by commas\\):\n\n")
	for i, e := range display {
		fmt.Fprintf(&b, "%d\\. From: %s\nSubject: %s\n\n", i+1, esc(e.From), esc(e.Subject))
	}
	b.WriteString("Example: 1,3,4\nOr send 'cancel' to abort")
	if len(p.Similar) > selectionDisplayCap {
		fmt.Fprintf(&b, "\n\\(showing first %d of %d\\)", selectionDisplayCap, len(p.Similar))
	}

	return m.chat.SendMessage(ctx, operator, b.String(),
		&telegram.SendOptions{ForceReply: true, RemoveKeyboard: true})
}

func (m *Manager) sendQuestion(ctx context.Context, operator int64, p *Pending) error {
	text := fmt.Sprintf("❓ Additional information needed (%d/%d)\n\n%s\n\nPlease send your answer:",
		p.QuestionIndex+1, len(p.Questions), p.Questions[p.QuestionIndex])
	return m.chat.SendMessage(ctx, operator, text,
		&telegram.SendOptions{ForceReply: true, RemoveKeyboard: true})
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
