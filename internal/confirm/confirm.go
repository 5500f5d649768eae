// Package confirm owns the human-in-the-loop confirmation workflow.
//
// At most one PendingInteraction exists per operator. Inbound chat text is
// interpreted against the current interaction kind: a menu digit, a
// free-text edit instruction, a comma-separated selection, or a follow-up
// answer. Terminal transitions clear the pending state before executing
// side effects so a duplicate delivery of the same message finds no pending
// interaction instead of re-executing the action.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/telegram"
	"github.com/mailpilot/mailpilot/internal/thread"
	"github.com/mailpilot/mailpilot/internal/types"
)

// ErrNoPending is returned when a chat message arrives with no interaction
// awaiting input.
var ErrNoPending = errors.New("no pending interaction")

// maxFollowUpRounds bounds how often the model may come back with more
// questions before a decision is forced.
const maxFollowUpRounds = 2

// Kind is the closed set of interaction states.
type Kind int

const (
	// KindActionConfirmation is the initial menu after classification.
	KindActionConfirmation Kind = iota
	// KindEdit treats the next free-text message as an edit instruction.
	KindEdit
	// KindBulkChoice offers archive-all / original-only / hand-pick.
	KindBulkChoice
	// KindIndividualSelection parses the next message as a comma index list.
	KindIndividualSelection
	// KindFollowUp asks the model's clarifying questions one at a time.
	KindFollowUp
)

// Pending is the serialized state of one in-progress dialog.
type Pending struct {
	Kind        Kind
	Action      string
	Draft       string
	Summary     string
	EditHistory []types.Edit
	Thread      types.Thread
	Original    types.Email
	Similar     []types.Email

	Questions     []string
	QuestionIndex int
	Answers       []ai.QA
	Round         int
}

// Mailer executes mailbox mutations.
type Mailer interface {
	SendReply(ctx context.Context, email types.Email, body string) error
	Archive(ctx context.Context, emailID string) error
	MarkRead(ctx context.Context, emailID string) error
}

// Model is the slice of the AI orchestrator the dialogs need.
type Model interface {
	Classify(ctx context.Context, turns []types.ChatTurn, answers []ai.QA) (types.Classification, types.Usage, error)
	Draft(ctx context.Context, turns []types.ChatTurn) (string, types.Usage, error)
	Refine(ctx context.Context, turns []types.ChatTurn, draft, instruction string, history []types.Edit) (string, types.Usage, error)
	Summarize(ctx context.Context, turns []types.ChatTurn) string
}

// Finder locates near-duplicate emails for bulk offers.
type Finder interface {
	FindSimilar(ctx context.Context, source types.Email, candidates []types.Email) []types.Email
}

// Messenger delivers chat messages to the operator.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) error
}

// Ledger records processed messages and executed actions.
type Ledger interface {
	MarkProcessed(emailID string) error
	LogAction(action, emailID, detail string) error
}

// Manager multiplexes one conversational operator across nested dialogs.
type Manager struct {
	mailer Mailer
	model  Model
	finder Finder
	chat   Messenger
	ledger Ledger
	log    *slog.Logger

	mu         sync.Mutex
	pending    map[int64]*Pending
	candidates []types.Email
}

// New builds a Manager with injected collaborators.
func New(mailer Mailer, model Model, finder Finder, chat Messenger, ledger Ledger, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		mailer:  mailer,
		model:   model,
		finder:  finder,
		chat:    chat,
		ledger:  ledger,
		log:     log,
		pending: make(map[int64]*Pending),
	}
}

// HasPending reports whether an interaction is in flight for the operator.
// The triage loop must not begin a new confirmation while this is true.
func (m *Manager) HasPending(operator int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[operator]
	return ok
}

// SetCandidates installs the current unread batch used as the similarity
// search pool. Called once per triage pass.
func (m *Manager) SetCandidates(batch []types.Email) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append([]types.Email(nil), batch...)
}

func (m *Manager) get(operator int64) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[operator]
	return p, ok
}

func (m *Manager) set(operator int64, p *Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[operator] = p
}

// take removes and returns the pending interaction. Terminal handlers call
// this before executing side effects.
func (m *Manager) take(operator int64) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[operator]
	if ok {
		delete(m.pending, operator)
	}
	return p, ok
}

// ClearFor drops any pending interactions referencing the given email ids.
// Used after bulk operations so stale confirmations cannot act on mail that
// is already gone.
func (m *Manager) ClearFor(ids []string) {
	idset := make(map[string]bool, len(ids))
	for _, id := range ids {
		idset[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for operator, p := range m.pending {
		if idset[p.Original.ID] {
			delete(m.pending, operator)
		}
	}
}

// Begin starts a confirmation dialog for a classified thread. For NEED_INFO
// it opens the follow-up sub-dialog instead of the action menu.
func (m *Manager) Begin(ctx context.Context, operator int64, t types.Thread, cls types.Classification, draft string) error {
	if m.HasPending(operator) {
		return fmt.Errorf("operator %d already has a pending interaction", operator)
	}
	last := t.Last()
	if last == nil {
		return errors.New("thread has no messages")
	}

	if cls.Action == types.ActionNeedInfo {
		p := &Pending{
			Kind:      KindFollowUp,
			Thread:    t,
			Original:  *last,
			Questions: cls.Questions,
		}
		m.set(operator, p)
		return m.sendQuestion(ctx, operator, p)
	}

	p := &Pending{
		Kind:     KindActionConfirmation,
		Action:   cls.Action,
		Draft:    draft,
		Summary:  m.model.Summarize(ctx, thread.Turns(t)),
		Thread:   t,
		Original: *last,
	}
	m.set(operator, p)
	return m.sendActionMenu(ctx, operator, p, cls.Reason)
}

// HandleMessage advances the operator's pending interaction with one chat
// message. With nothing pending it replies with a short notice and returns
// ErrNoPending.
func (m *Manager) HandleMessage(ctx context.Context, operator int64, text string) error {
	p, ok := m.get(operator)
	if !ok {
		_ = m.chat.SendMessage(ctx, operator, "Nothing is awaiting confirmation right now.", nil)
		return ErrNoPending
	}

	var err error
	switch p.Kind {
	case KindActionConfirmation:
		err = m.handleAction(ctx, operator, p, text)
	case KindEdit:
		err = m.handleEdit(ctx, operator, p, text)
	case KindBulkChoice:
		err = m.handleBulkChoice(ctx, operator, p, text)
	case KindIndividualSelection:
		err = m.handleSelection(ctx, operator, p, text)
	case KindFollowUp:
		err = m.handleFollowUp(ctx, operator, p, text)
	default:
		// Unknown state is unrecoverable; discard it.
		m.take(operator)
		err = fmt.Errorf("corrupt pending interaction kind %d", p.Kind)
	}
	if err != nil {
		m.log.Error("interaction step failed",
			"operator", operator, "email", p.Original.ID, "err", err)
		m.sendError(ctx, operator)
	}
	return err
}

func (m *Manager) handleAction(ctx context.Context, operator int64, p *Pending, text string) error {
	switch text {
	case "1":
		return m.executeConfirmed(ctx, operator, p)
	case "2":
		m.take(operator)
		return m.chat.SendMessage(ctx, operator, "Action cancelled. The email stays as it is.", nil)
	case "3":
		if p.Action == types.ActionRespond {
			p.Kind = KindEdit
			m.set(operator, p)
			return m.chat.SendMessage(ctx, operator,
				"Send your edit instruction as a normal message.",
				&telegram.SendOptions{ForceReply: true})
		}
		return m.forceReply(ctx, operator, p)
	case "4":
		if p.Action == types.ActionRespond {
			return m.forceArchive(ctx, operator, p)
		}
		return m.markReadOnly(ctx, operator, p)
	case "5":
		if p.Action != types.ActionRespond {
			break
		}
		return m.markReadOnly(ctx, operator, p)
	}
	m.log.Warn("unexpected menu reply", "operator", operator, "text", text)
	m.sendError(ctx, operator)
	return nil
}

// executeConfirmed runs the confirmed primary action. State is cleared
// before any side effect; the ARCHIVE branch re-installs a bulk sub-dialog
// when near-duplicates exist.
func (m *Manager) executeConfirmed(ctx context.Context, operator int64, p *Pending) error {
	if p.Original.ID == "" || p.Action == "" {
		m.take(operator)
		return errors.New("pending interaction missing email id or action")
	}

	switch p.Action {
	case types.ActionRespond:
		if p.Draft == "" {
			m.take(operator)
			return errors.New("missing draft for RESPOND confirmation")
		}
		m.take(operator)
		if err := m.mailer.SendReply(ctx, p.Original, p.Draft); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		if err := m.mailer.MarkRead(ctx, p.Original.ID); err != nil {
			return fmt.Errorf("mark read after send: %w", err)
		}
		m.record("send", p.Original.ID, "reply sent")
		return m.chat.SendMessage(ctx, operator, "Response sent.", nil)

	case types.ActionArchive:
		similar := m.findSimilar(ctx, p.Original)
		if len(similar) > 0 {
			p.Kind = KindBulkChoice
			p.Similar = similar
			m.set(operator, p)
			return m.sendBulkChoice(ctx, operator, p)
		}
		m.take(operator)
		if err := m.mailer.Archive(ctx, p.Original.ID); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		m.record("archive", p.Original.ID, "")
		return m.chat.SendMessage(ctx, operator, "Email archived.", nil)
	}

	m.take(operator)
	return fmt.Errorf("unknown action %q", p.Action)
}

// forceReply flips an ARCHIVE suggestion into a RESPOND confirmation by
// generating a draft for the thread.
func (m *Manager) forceReply(ctx context.Context, operator int64, p *Pending) error {
	draft, _, err := m.model.Draft(ctx, thread.Turns(p.Thread))
	if err != nil {
		return fmt.Errorf("draft for forced reply: %w", err)
	}
	p.Kind = KindActionConfirmation
	p.Action = types.ActionRespond
	p.Draft = draft
	m.set(operator, p)
	return m.sendActionMenu(ctx, operator, p, "reply forced by operator")
}

func (m *Manager) forceArchive(ctx context.Context, operator int64, p *Pending) error {
	m.take(operator)
	if err := m.mailer.Archive(ctx, p.Original.ID); err != nil {
		return fmt.Errorf("force archive: %w", err)
	}
	m.record("archive", p.Original.ID, "forced")
	return m.chat.SendMessage(ctx, operator, "Email archived.", nil)
}

func (m *Manager) markReadOnly(ctx context.Context, operator int64, p *Pending) error {
	m.take(operator)
	if err := m.mailer.MarkRead(ctx, p.Original.ID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	m.record("mark_read", p.Original.ID, "")
	return m.chat.SendMessage(ctx, operator, "Marked as read.", nil)
}

func (m *Manager) handleEdit(ctx context.Context, operator int64, p *Pending, text string) error {
	p.EditHistory = append(p.EditHistory, types.Edit{At: time.Now().UTC(), Instruction: text})
	refined, _, err := m.model.Refine(ctx, thread.Turns(p.Thread), p.Draft, text, p.EditHistory[:len(p.EditHistory)-1])
	if err != nil {
		// Keep the edit state so the operator can try again.
		m.set(operator, p)
		return fmt.Errorf("refine draft: %w", err)
	}
	p.Draft = refined
	p.Kind = KindActionConfirmation
	m.set(operator, p)
	return m.sendEditedMenu(ctx, operator, p)
}

func (m *Manager) handleBulkChoice(ctx context.Context, operator int64, p *Pending, text string) error {
	switch text {
	case "1":
		m.take(operator)
		ids := make([]string, 0, len(p.Similar)+1)
		ids = append(ids, p.Original.ID)
		for _, e := range p.Similar {
			ids = append(ids, e.ID)
		}
		results := m.bulkArchive(ctx, ids)
		m.ClearFor(ids)
		ok := 0
		for _, r := range results {
			if r.OK {
				ok++
			}
		}
		return m.chat.SendMessage(ctx, operator,
			fmt.Sprintf("Archived %d of %d emails.", ok, len(ids)), nil)
	case "2":
		m.take(operator)
		if err := m.mailer.Archive(ctx, p.Original.ID); err != nil {
			return fmt.Errorf("archive original: %w", err)
		}
		m.record("archive", p.Original.ID, "")
		return m.chat.SendMessage(ctx, operator, "Original email archived.", nil)
	case "3":
		p.Kind = KindIndividualSelection
		m.set(operator, p)
		return m.sendSelectionPrompt(ctx, operator, p)
	}
	m.log.Warn("unexpected bulk choice", "operator", operator, "text", text)
	m.sendError(ctx, operator)
	return nil
}

func (m *Manager) handleSelection(ctx context.Context, operator int64, p *Pending, text string) error {
	if strings.EqualFold(strings.TrimSpace(text), "cancel") {
		m.take(operator)
		return m.chat.SendMessage(ctx, operator, "Selection cancelled.", nil)
	}

	indices, err := parseSelection(text, len(p.Similar))
	if err != nil {
		// Bad input keeps the state; the operator can retry or cancel.
		_ = m.chat.SendMessage(ctx, operator,
			"Could not read that selection. Send numbers like 1,3,4 or 'cancel'.", nil)
		return nil
	}

	m.take(operator)
	ids := []string{p.Original.ID}
	for _, i := range indices {
		ids = append(ids, p.Similar[i].ID)
	}
	results := m.bulkArchive(ctx, ids)
	m.ClearFor(ids)
	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	return m.chat.SendMessage(ctx, operator,
		fmt.Sprintf("Archived %d of %d selected emails.", ok, len(ids)), nil)
}

func (m *Manager) handleFollowUp(ctx context.Context, operator int64, p *Pending, text string) error {
	p.Answers = append(p.Answers, ai.QA{
		Question: p.Questions[p.QuestionIndex],
		Answer:   text,
	})

	if p.QuestionIndex+1 < len(p.Questions) {
		p.QuestionIndex++
		m.set(operator, p)
		return m.sendQuestion(ctx, operator, p)
	}

	// All questions answered: re-classify with the answers available.
	cls, _, err := m.model.Classify(ctx, thread.Turns(p.Thread), p.Answers)
	if err != nil {
		m.take(operator)
		return fmt.Errorf("re-classify with answers: %w", err)
	}

	if cls.Action == types.ActionNeedInfo {
		p.Round++
		if p.Round >= maxFollowUpRounds {
			// Termination guard: force a decision after the cap.
			m.log.Warn("follow-up cap reached, forcing archive verdict",
				"email", p.Original.ID, "rounds", p.Round)
			cls = types.Classification{
				Action: types.ActionArchive,
				Reason: "still undecided after follow-up questions",
			}
		} else {
			p.Questions = cls.Questions
			p.QuestionIndex = 0
			m.set(operator, p)
			return m.sendQuestion(ctx, operator, p)
		}
	}

	draft := cls.Draft
	if cls.Action == types.ActionRespond && draft == "" {
		draft, _, err = m.model.Draft(ctx, thread.Turns(p.Thread))
		if err != nil {
			m.take(operator)
			return fmt.Errorf("draft after follow-up: %w", err)
		}
	}

	p.Kind = KindActionConfirmation
	p.Action = cls.Action
	p.Draft = draft
	m.set(operator, p)
	return m.sendActionMenu(ctx, operator, p, cls.Reason)
}

func (m *Manager) findSimilar(ctx context.Context, source types.Email) []types.Email {
	m.mu.Lock()
	pool := append([]types.Email(nil), m.candidates...)
	m.mu.Unlock()
	return m.finder.FindSimilar(ctx, source, pool)
}

func (m *Manager) bulkArchive(ctx context.Context, ids []string) []types.ActionResult {
	results := make([]types.ActionResult, 0, len(ids))
	for _, id := range ids {
		r := types.ActionResult{EmailID: id, OK: true}
		if err := m.mailer.Archive(ctx, id); err != nil {
			r.OK = false
			r.Error = err.Error()
			m.log.Warn("bulk archive item failed", "email", id, "err", err)
		} else {
			m.record("archive", id, "bulk")
		}
		results = append(results, r)
	}
	return results
}

// record writes to the ledger; ledger failures are logged, never fatal.
func (m *Manager) record(action, emailID, detail string) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.MarkProcessed(emailID); err != nil {
		m.log.Warn("mark processed failed", "email", emailID, "err", err)
	}
	if err := m.ledger.LogAction(action, emailID, detail); err != nil {
		m.log.Warn("log action failed", "email", emailID, "err", err)
	}
}

func (m *Manager) sendError(ctx context.Context, operator int64) {
	if err := m.chat.SendMessage(ctx, operator,
		"An error occurred. Please try again.", nil); err != nil {
		m.log.Error("error notice delivery failed", "operator", operator, "err", err)
	}
}

// parseSelection turns "1,3,4" into zero-based indices bounded by n.
func parseSelection(text string, n int) ([]int, error) {
	parts := strings.Split(text, ",")
	var out []int
	seen := make(map[int]bool)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", part)
		}
		if v < 1 || v > n {
			return nil, fmt.Errorf("index %d out of range 1..%d", v, n)
		}
		if !seen[v-1] {
			seen[v-1] = true
			out = append(out, v-1)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty selection")
	}
	return out, nil
}
