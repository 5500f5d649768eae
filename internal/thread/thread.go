// Package thread normalizes raw message lists into ordered thread snapshots.
//
// Normalization sorts messages chronologically and strips trailing quoted
// history so that each message carries only its own text; quoted text
// duplicates an earlier message already present in the thread.
package thread

import (
	"regexp"
	"sort"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Quote markers inserted by mail clients above quoted history. Matching is
// structural: the marker and everything after it is dropped.
var replyMarkers = []*regexp.Regexp{
	// "On Sun, Jan 19, 2025 ... wrote:" after a newline, period, or question mark.
	regexp.MustCompile(`(?s)(?:\n|[.?])[Oo]n\s+(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun),\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{1,2},\s+\d{4}.*$`),
	// European "On 19. Jan 2025 ..." form.
	regexp.MustCompile(`(?s)(?:\n|[.?])[Oo]n\s+\d{1,2}\.\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{4}.*$`),
}

// Normalize returns the messages sorted by SentAt ascending (stable, ties
// keep input order) with quoted-reply suffixes stripped. Every input message
// is preserved; WasCleaned records whether the body changed. Cleaning is
// best-effort: on any failure the original body is kept.
func Normalize(raw []types.Email) []types.Email {
	out := make([]types.Email, len(raw))
	copy(out, raw)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	for i := range out {
		cleaned, changed := CleanBody(out[i].Body)
		out[i].Body = cleaned
		out[i].WasCleaned = changed
	}
	return out
}

// CleanBody strips a trailing quoted-reply block from body. It never fails:
// the second return reports whether anything was removed.
func CleanBody(body string) (cleaned string, changed bool) {
	defer func() {
		if r := recover(); r != nil {
			cleaned, changed = body, false
		}
	}()
	cleaned = body
	for _, re := range replyMarkers {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	return cleaned, cleaned != body
}

// Build assembles a Thread snapshot from raw messages, normalizing them and
// deriving the operator-involvement flags.
func Build(threadID string, raw []types.Email) types.Thread {
	msgs := Normalize(raw)
	t := types.Thread{
		ThreadID: threadID,
		Messages: msgs,
	}
	if len(msgs) > 0 {
		t.Subject = msgs[0].Subject
	}
	for _, m := range msgs {
		if m.AuthoredByOperator {
			t.HasOperatorMessage = true
			break
		}
	}
	if last := t.Last(); last != nil {
		t.NeedsReply = last.Unread && !last.AuthoredByOperator
	}
	return t
}

// Turns converts a normalized thread into role-tagged conversation turns:
// operator-authored messages become assistant turns, everything else user
// turns, each prefixed with its routing headers so the model sees who wrote
// what and when.
func Turns(t types.Thread) []types.ChatTurn {
	turns := make([]types.ChatTurn, 0, len(t.Messages))
	for _, m := range t.Messages {
		role := types.RoleCounterpart
		if m.AuthoredByOperator {
			role = types.RoleOperator
		}
		turns = append(turns, types.ChatTurn{Role: role, Content: FormatMessage(m)})
	}
	return turns
}

// FormatMessage renders one message with its headers for prompt use.
func FormatMessage(m types.Email) string {
	return "Subject: " + m.Subject + "\n" +
		"From: " + m.From + "\n" +
		"To: " + m.To + "\n" +
		"Date: " + m.SentAt.Format("Mon, 2 Jan 2006 15:04:05 -0700") + "\n\n" +
		m.Body
}
