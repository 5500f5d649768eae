// Package gmail adapts the Gmail API to the mailbox operations the triage
// loop needs: listing unread candidates, fetching full threads, sending or
// drafting replies, and label mutation.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	gm "google.golang.org/api/gmail/v1"

	"github.com/mailpilot/mailpilot/internal/types"
)

// Gmail quota accounting, see the API usage limits reference. The limiter
// keeps 20% headroom under the documented per-user rate.
const (
	quotaUnitsPerSecond   = 250
	rateLimitPerSecond    = quotaUnitsPerSecond * 0.8
	rateLimitBurst        = quotaUnitsPerSecond
	quotaUnitsThreadsGet  = 10
	quotaUnitsMessagesGet = 5
	quotaUnitsList        = 5
	quotaUnitsModify      = 5
	quotaUnitsSend        = 100
	quotaUnitsDraft       = 10

	fetchConcurrency = 4
)

// Mailbox wraps an authenticated Gmail service.
type Mailbox struct {
	svc      *gm.Service
	limiter  *rate.Limiter
	operator string
	log      *slog.Logger
}

// New returns a Mailbox. operatorEmail tags which messages count as
// operator-authored.
func New(svc *gm.Service, operatorEmail string, log *slog.Logger) *Mailbox {
	if log == nil {
		log = slog.Default()
	}
	return &Mailbox{
		svc:      svc,
		limiter:  rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurst),
		operator: strings.ToLower(operatorEmail),
		log:      log,
	}
}

// ListThreadCandidates returns refs for unread inbox messages, newest first
// as Gmail lists them.
func (m *Mailbox) ListThreadCandidates(ctx context.Context, maxResults int64) ([]types.ThreadRef, error) {
	if err := m.limiter.WaitN(ctx, quotaUnitsList); err != nil {
		return nil, err
	}
	resp, err := m.svc.Users.Messages.List("me").
		Q("is:unread").
		MaxResults(maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	refs := make([]types.ThreadRef, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		refs = append(refs, types.ThreadRef{ThreadID: msg.ThreadId, MessageID: msg.Id})
	}
	return refs, nil
}

// GetThread fetches every message of a thread, fully decoded, oldest first.
func (m *Mailbox) GetThread(ctx context.Context, threadID string) ([]types.Email, error) {
	if err := m.limiter.WaitN(ctx, quotaUnitsThreadsGet); err != nil {
		return nil, err
	}
	t, err := m.svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	emails := make([]types.Email, 0, len(t.Messages))
	for _, msg := range t.Messages {
		emails = append(emails, m.parseMessage(msg))
	}
	sort.SliceStable(emails, func(i, j int) bool {
		return emails[i].SentAt.Before(emails[j].SentAt)
	})
	return emails, nil
}

// GetThreads fetches several threads concurrently. Individual thread
// failures are logged and skipped; the call only fails when the context is
// cancelled.
func (m *Mailbox) GetThreads(ctx context.Context, ids []string) (map[string][]types.Email, error) {
	out := make(map[string][]types.Email, len(ids))
	var mu sync.Mutex

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(fetchConcurrency)
	for _, id := range ids {
		grp.Go(func() error {
			msgs, err := m.GetThread(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.log.Warn("thread fetch failed, skipping", "thread", id, "err", err)
				return nil
			}
			mu.Lock()
			out[id] = msgs
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SendReply sends body as a threaded reply to email.
func (m *Mailbox) SendReply(ctx context.Context, email types.Email, body string) error {
	if err := m.limiter.WaitN(ctx, quotaUnitsSend); err != nil {
		return err
	}
	raw := buildReplyRFC822(email, body)
	_, err := m.svc.Users.Messages.Send("me", &gm.Message{
		Raw:      base64.RawURLEncoding.EncodeToString([]byte(raw)),
		ThreadId: email.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("send reply to %s: %w", email.ID, err)
	}
	return nil
}

// CreateDraft stores body as a draft reply on email's thread instead of
// sending it.
func (m *Mailbox) CreateDraft(ctx context.Context, email types.Email, body string) error {
	if err := m.limiter.WaitN(ctx, quotaUnitsDraft); err != nil {
		return err
	}
	raw := buildReplyRFC822(email, body)
	_, err := m.svc.Users.Drafts.Create("me", &gm.Draft{
		Message: &gm.Message{
			Raw:      base64.RawURLEncoding.EncodeToString([]byte(raw)),
			ThreadId: email.ThreadID,
		},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("create draft on thread %s: %w", email.ThreadID, err)
	}
	return nil
}

// SetLabels applies label additions and removals to one message.
func (m *Mailbox) SetLabels(ctx context.Context, emailID string, add, remove []string) error {
	if err := m.limiter.WaitN(ctx, quotaUnitsModify); err != nil {
		return err
	}
	_, err := m.svc.Users.Messages.Modify("me", emailID, &gm.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("modify labels on %s: %w", emailID, err)
	}
	return nil
}

// MarkRead clears the unread state of one message.
func (m *Mailbox) MarkRead(ctx context.Context, emailID string) error {
	return m.SetLabels(ctx, emailID, nil, []string{"UNREAD"})
}

// Archive removes a message from the inbox and clears its unread state.
func (m *Mailbox) Archive(ctx context.Context, emailID string) error {
	return m.SetLabels(ctx, emailID, nil, []string{"UNREAD", "INBOX"})
}

// DraftOnly wraps a Mailbox so confirmed replies become Gmail drafts
// instead of outgoing mail. Useful while tuning prompts.
type DraftOnly struct {
	*Mailbox
}

// SendReply stores the reply as a draft rather than sending it.
func (d DraftOnly) SendReply(ctx context.Context, email types.Email, body string) error {
	return d.CreateDraft(ctx, email, body)
}

// parseMessage flattens one API message into an Email.
func (m *Mailbox) parseMessage(msg *gm.Message) types.Email {
	headers := headerMap(msg.Payload.Headers)
	from := headers["From"]
	return types.Email{
		ID:                 msg.Id,
		ThreadID:           msg.ThreadId,
		MessageID:          headers["Message-ID"],
		References:         headers["References"],
		From:               from,
		To:                 headers["To"],
		Subject:            headers["Subject"],
		Body:               extractBody(msg.Payload),
		SentAt:             time.UnixMilli(msg.InternalDate),
		Unread:             hasLabel(msg.LabelIds, "UNREAD"),
		AuthoredByOperator: m.operator != "" && strings.Contains(strings.ToLower(from), m.operator),
		Labels:             msg.LabelIds,
	}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// extractBody gets plain text from a message payload, recursing into
// multipart containers and preferring text/plain over text/html. HTML
// bodies are reduced to their visible text.
func extractBody(payload *gm.MessagePart) string {
	if payload == nil {
		return ""
	}
	if payload.Body != nil && payload.Body.Data != "" && strings.HasPrefix(payload.MimeType, "text/") {
		if decoded, err := decodeBase64URL(payload.Body.Data); err == nil {
			if payload.MimeType == "text/html" {
				return StripHTML(decoded)
			}
			return decoded
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
		if len(part.Parts) > 0 {
			if body := extractBody(part); body != "" {
				return body
			}
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return StripHTML(decoded)
			}
		}
	}
	return ""
}

var (
	reTag    = regexp.MustCompile(`<[^>]*>`)
	reEntity = regexp.MustCompile(`&[^;\s]+;`)
)

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#x27;", "'",
	"&#x2F;", "/",
	"&apos;", "'",
)

// StripHTML reduces markup to visible text, best-effort.
func StripHTML(s string) string {
	s = reTag.ReplaceAllString(s, "")
	s = entityReplacer.Replace(s)
	s = reEntity.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// buildReplyRFC822 assembles a minimal threaded reply.
func buildReplyRFC822(email types.Email, body string) string {
	subject := email.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	lines := []string{
		"From: me",
		"To: " + email.From,
		"Subject: " + subject,
	}
	if email.MessageID != "" {
		lines = append(lines,
			"In-Reply-To: "+email.MessageID,
			"References: "+strings.TrimSpace(email.References+" "+email.MessageID))
	}
	lines = append(lines,
		"Content-Type: text/plain; charset=utf-8",
		"MIME-Version: 1.0",
		"",
		body,
	)
	return strings.Join(lines, "\r\n")
}

func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Name] = h.Value
	}
	return m
}

// decodeBase64URL decodes Gmail's base64url-encoded content, tolerating
// missing padding.
func decodeBase64URL(data string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
