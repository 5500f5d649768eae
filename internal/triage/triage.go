// Package triage drives the main processing loop: fetch unread threads,
// classify each one, and hand the verdict to the confirmation workflow, one
// thread at a time. A new confirmation never starts while an earlier one is
// still awaiting the operator.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/budget"
	"github.com/mailpilot/mailpilot/internal/thread"
	"github.com/mailpilot/mailpilot/internal/types"
)

// resolutionPollInterval is how often the loop re-checks whether the
// operator resolved the pending interaction.
const resolutionPollInterval = 500 * time.Millisecond

// Mailbox lists and fetches mail.
type Mailbox interface {
	ListThreadCandidates(ctx context.Context, maxResults int64) ([]types.ThreadRef, error)
	GetThreads(ctx context.Context, ids []string) (map[string][]types.Email, error)
}

// Model classifies threads and drafts replies.
type Model interface {
	Classify(ctx context.Context, turns []types.ChatTurn, answers []ai.QA) (types.Classification, types.Usage, error)
	Draft(ctx context.Context, turns []types.ChatTurn) (string, types.Usage, error)
}

// Confirmer is the slice of the confirmation manager the loop drives.
type Confirmer interface {
	HasPending(operator int64) bool
	SetCandidates(batch []types.Email)
	Begin(ctx context.Context, operator int64, t types.Thread, cls types.Classification, draft string) error
}

// Ledger filters out mail that was already handled.
type Ledger interface {
	FilterProcessed(ids []string) ([]string, error)
}

// Loop owns one operator's triage cycle.
type Loop struct {
	mailbox  Mailbox
	model    Model
	confirm  Confirmer
	ledger   Ledger
	convo    *budget.Conversation
	operator int64
	log      *slog.Logger

	maxResults   int64
	pollInterval time.Duration
}

// Options tunes a Loop.
type Options struct {
	MaxResults   int64
	PollInterval time.Duration
}

// New builds a triage loop for one operator chat.
func New(mailbox Mailbox, model Model, confirm Confirmer, ledger Ledger, convo *budget.Conversation, operator int64, opts Options, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	return &Loop{
		mailbox:      mailbox,
		model:        model,
		confirm:      confirm,
		ledger:       ledger,
		convo:        convo,
		operator:     operator,
		log:          log,
		maxResults:   opts.MaxResults,
		pollInterval: opts.PollInterval,
	}
}

// Run repeats triage passes until the context is cancelled. Passes are
// skipped while an interaction is pending; the operator resolves it through
// the chat handler, not through this loop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		if !l.confirm.HasPending(l.operator) {
			if err := l.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.log.Error("triage pass failed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single triage pass over the current unread inbox.
// Each candidate thread walks the full classify-confirm-resolve sequence
// before the next one starts.
func (l *Loop) RunOnce(ctx context.Context) error {
	refs, err := l.mailbox.ListThreadCandidates(ctx, l.maxResults)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	if len(refs) == 0 {
		l.log.Info("no unread mail")
		return nil
	}

	fresh, err := l.filterFresh(refs)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		l.log.Info("all unread mail already handled", "listed", len(refs))
		return nil
	}

	threadIDs := dedupeThreadIDs(fresh)
	byThread, err := l.mailbox.GetThreads(ctx, threadIDs)
	if err != nil {
		return fmt.Errorf("fetch threads: %w", err)
	}

	threads := make([]types.Thread, 0, len(threadIDs))
	var pool []types.Email
	for _, id := range threadIDs {
		raw, ok := byThread[id]
		if !ok || len(raw) == 0 {
			continue
		}
		t := thread.Build(id, raw)
		threads = append(threads, t)
		for _, m := range t.Messages {
			if m.Unread && !m.AuthoredByOperator {
				pool = append(pool, m)
			}
		}
	}
	l.confirm.SetCandidates(pool)

	l.log.Info("triage pass", "threads", len(threads), "unread", len(pool))

	for _, t := range threads {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := l.processThread(ctx, t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("thread skipped after error", "thread", t.ThreadID, "err", err)
		}
	}
	return nil
}

// processThread classifies one thread and, when warranted, opens a
// confirmation dialog and blocks until the operator resolves it.
func (l *Loop) processThread(ctx context.Context, t types.Thread) error {
	if !t.HasOperatorMessage && !t.NeedsReply {
		l.log.Debug("skipping thread without operator involvement",
			"thread", t.ThreadID, "subject", t.Subject)
		return nil
	}
	if !t.NeedsReply {
		l.log.Debug("skipping thread with no reply due",
			"thread", t.ThreadID, "subject", t.Subject)
		return nil
	}

	turns := thread.Turns(t)

	l.convo.MaybeTrim()
	history := append(l.convo.Turns(), turns...)

	cls, usage, err := l.model.Classify(ctx, history, nil)
	if err != nil {
		return fmt.Errorf("classify thread %s: %w", t.ThreadID, err)
	}
	l.convo.RecordUsage(usage)
	l.convo.AppendAll(turns)

	l.log.Info("thread classified",
		"thread", t.ThreadID, "subject", t.Subject,
		"action", cls.Action, "reason", cls.Reason)

	var draft string
	if cls.Action == types.ActionRespond {
		draft = cls.Draft
		if draft == "" {
			draft, usage, err = l.model.Draft(ctx, history)
			if err != nil {
				return fmt.Errorf("draft for thread %s: %w", t.ThreadID, err)
			}
			l.convo.RecordUsage(usage)
		}
		l.convo.Append(types.ChatTurn{Role: types.RoleOperator, Content: draft})
	}

	if err := l.confirm.Begin(ctx, l.operator, t, cls, draft); err != nil {
		return fmt.Errorf("begin confirmation for thread %s: %w", t.ThreadID, err)
	}
	return l.awaitResolution(ctx)
}

// awaitResolution blocks until the operator resolves the pending interaction
// or the context ends. Resolution happens on the chat path, concurrently.
func (l *Loop) awaitResolution(ctx context.Context) error {
	ticker := time.NewTicker(resolutionPollInterval)
	defer ticker.Stop()
	for l.confirm.HasPending(l.operator) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// filterFresh drops refs whose message was already handled in an earlier run.
func (l *Loop) filterFresh(refs []types.ThreadRef) ([]types.ThreadRef, error) {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.MessageID
	}
	keep, err := l.ledger.FilterProcessed(ids)
	if err != nil {
		return nil, fmt.Errorf("filter processed: %w", err)
	}
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	out := make([]types.ThreadRef, 0, len(keep))
	for _, r := range refs {
		if keepSet[r.MessageID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// dedupeThreadIDs keeps the first occurrence of each thread id, oldest
// thread first so replies go out in arrival order.
func dedupeThreadIDs(refs []types.ThreadRef) []string {
	seen := make(map[string]bool, len(refs))
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if !seen[r.ThreadID] {
			seen[r.ThreadID] = true
			ids = append(ids, r.ThreadID)
		}
	}
	// Gmail lists newest first; reverse for chronological processing.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}
