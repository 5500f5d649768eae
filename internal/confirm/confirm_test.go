package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/telegram"
	"github.com/mailpilot/mailpilot/internal/types"
)

const operator int64 = 4242

type fakeMailer struct {
	mu       sync.Mutex
	sent     []string // email ids replied to
	archived []string
	read     []string
	sendErr  error
}

func (f *fakeMailer) SendReply(ctx context.Context, email types.Email, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, email.ID)
	return nil
}

func (f *fakeMailer) Archive(ctx context.Context, emailID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, emailID)
	return nil
}

func (f *fakeMailer) MarkRead(ctx context.Context, emailID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, emailID)
	return nil
}

type fakeModel struct {
	classification types.Classification
	classifyErr    error
	draft          string
	refined        string
	refineErr      error

	classifyCalls int
	lastAnswers   []ai.QA
	refineCalls   int
	lastEdit      string
}

func (f *fakeModel) Classify(ctx context.Context, turns []types.ChatTurn, answers []ai.QA) (types.Classification, types.Usage, error) {
	f.classifyCalls++
	f.lastAnswers = answers
	return f.classification, types.Usage{}, f.classifyErr
}

func (f *fakeModel) Draft(ctx context.Context, turns []types.ChatTurn) (string, types.Usage, error) {
	return f.draft, types.Usage{}, nil
}

func (f *fakeModel) Refine(ctx context.Context, turns []types.ChatTurn, draft, instruction string, history []types.Edit) (string, types.Usage, error) {
	f.refineCalls++
	f.lastEdit = instruction
	if f.refineErr != nil {
		return "", types.Usage{}, f.refineErr
	}
	return f.refined, types.Usage{}, nil
}

func (f *fakeModel) Summarize(ctx context.Context, turns []types.ChatTurn) string {
	return "a short summary"
}

type fakeFinder struct {
	similar []types.Email
}

func (f *fakeFinder) FindSimilar(ctx context.Context, source types.Email, candidates []types.Email) []types.Email {
	return f.similar
}

type fakeChat struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeChat) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

type fakeLedger struct {
	mu        sync.Mutex
	processed []string
	actions   []string
}

func (f *fakeLedger) MarkProcessed(emailID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, emailID)
	return nil
}

func (f *fakeLedger) LogAction(action, emailID, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action+":"+emailID)
	return nil
}

type fixture struct {
	mgr    *Manager
	mailer *fakeMailer
	model  *fakeModel
	finder *fakeFinder
	chat   *fakeChat
	ledger *fakeLedger
}

func newFixture() *fixture {
	f := &fixture{
		mailer: &fakeMailer{},
		model:  &fakeModel{draft: "drafted reply"},
		finder: &fakeFinder{},
		chat:   &fakeChat{},
		ledger: &fakeLedger{},
	}
	f.mgr = New(f.mailer, f.model, f.finder, f.chat, f.ledger, nil)
	return f
}

func testThread(id string) types.Thread {
	last := types.Email{
		ID:       id,
		ThreadID: "t-" + id,
		From:     "alice@x.io",
		Subject:  "Question",
		Body:     "Can you send the report?",
		Unread:   true,
		SentAt:   time.Date(2025, 1, 19, 9, 0, 0, 0, time.UTC),
	}
	return types.Thread{
		ThreadID:   "t-" + id,
		Subject:    "Question",
		Messages:   []types.Email{last},
		NeedsReply: true,
	}
}

func respond(reason string) types.Classification {
	return types.Classification{Action: types.ActionRespond, Reason: reason}
}

func archive(reason string) types.Classification {
	return types.Classification{Action: types.ActionArchive, Reason: reason}
}

func TestConfirmedRespondSendsExactlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("question"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if !f.mgr.HasPending(operator) {
		t.Fatal("no pending interaction after Begin")
	}

	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if diff := cmp.Diff([]string{"e1"}, f.mailer.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"e1"}, f.mailer.read); diff != "" {
		t.Errorf("mark-read mismatch (-want +got):\n%s", diff)
	}
	if f.mgr.HasPending(operator) {
		t.Error("pending interaction survived the confirmation")
	}
	if diff := cmp.Diff([]string{"e1"}, f.ledger.processed); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateConfirmationIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}

	// Same digit delivered again, e.g. a Telegram redelivery.
	err := f.mgr.HandleMessage(ctx, operator, "1")
	if !errors.Is(err, ErrNoPending) {
		t.Errorf("duplicate confirmation error = %v, want ErrNoPending", err)
	}
	if len(f.mailer.sent) != 1 {
		t.Errorf("reply sent %d times, want 1", len(f.mailer.sent))
	}
}

func TestCancelLeavesMailUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "2"); err != nil {
		t.Fatal(err)
	}

	if len(f.mailer.sent)+len(f.mailer.archived)+len(f.mailer.read) != 0 {
		t.Error("cancel touched the mailbox")
	}
	if f.mgr.HasPending(operator) {
		t.Error("pending interaction survived cancel")
	}
}

func TestMarkReadOnlyOption(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "5"); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.sent) != 0 || len(f.mailer.archived) != 0 {
		t.Error("mark-read-only sent or archived")
	}
	if diff := cmp.Diff([]string{"e1"}, f.mailer.read); diff != "" {
		t.Errorf("read mismatch (-want +got):\n%s", diff)
	}
}

func TestEditFlowRefinesDraft(t *testing.T) {
	f := newFixture()
	f.model.refined = "shorter reply"
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "3"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "make it shorter"); err != nil {
		t.Fatal(err)
	}

	if f.model.refineCalls != 1 || f.model.lastEdit != "make it shorter" {
		t.Errorf("refine calls = %d, last edit = %q", f.model.refineCalls, f.model.lastEdit)
	}

	// Confirm the edited draft; the refined text must be the one sent.
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(f.mailer.sent))
	}
}

func TestEditFailureKeepsEditState(t *testing.T) {
	f := newFixture()
	f.model.refineErr = errors.New("model down")
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "3"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "shorter please"); err == nil {
		t.Fatal("expected refine error")
	}
	if !f.mgr.HasPending(operator) {
		t.Error("edit state dropped after refine failure; operator cannot retry")
	}
}

func TestArchiveWithoutSimilar(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), archive("newsletter"), ""); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e1"}, f.mailer.archived); diff != "" {
		t.Errorf("archived mismatch (-want +got):\n%s", diff)
	}
	if f.mgr.HasPending(operator) {
		t.Error("pending survived archive")
	}
}

func TestArchiveOffersBulkAndArchivesAll(t *testing.T) {
	f := newFixture()
	f.finder.similar = []types.Email{
		{ID: "s1", From: "news@x.io", Subject: "Sale 1"},
		{ID: "s2", From: "news@x.io", Subject: "Sale 2"},
		{ID: "s3", From: "news@x.io", Subject: "Sale 3"},
	}
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), archive("bulk mail"), ""); err != nil {
		t.Fatal(err)
	}
	// Confirm archive: similar mail found, so a bulk choice opens instead of
	// executing immediately.
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.archived) != 0 {
		t.Fatal("archived before the bulk choice was answered")
	}
	if !f.mgr.HasPending(operator) {
		t.Fatal("bulk choice not pending")
	}

	// Archive all.
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	want := []string{"e1", "s1", "s2", "s3"}
	if diff := cmp.Diff(want, f.mailer.archived); diff != "" {
		t.Errorf("bulk archive mismatch (-want +got):\n%s", diff)
	}
	if f.mgr.HasPending(operator) {
		t.Error("pending survived bulk archive")
	}
}

func TestBulkChoiceOriginalOnly(t *testing.T) {
	f := newFixture()
	f.finder.similar = []types.Email{{ID: "s1"}, {ID: "s2"}}
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), archive("bulk"), ""); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "2"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e1"}, f.mailer.archived); diff != "" {
		t.Errorf("archived mismatch (-want +got):\n%s", diff)
	}
}

func TestIndividualSelection(t *testing.T) {
	f := newFixture()
	f.finder.similar = []types.Email{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), archive("bulk"), ""); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "3"); err != nil {
		t.Fatal(err)
	}

	// Out-of-range selection keeps the state for a retry.
	if err := f.mgr.HandleMessage(ctx, operator, "1,9"); err != nil {
		t.Fatal(err)
	}
	if !f.mgr.HasPending(operator) {
		t.Fatal("bad selection discarded the pending state")
	}

	if err := f.mgr.HandleMessage(ctx, operator, "1, 3"); err != nil {
		t.Fatal(err)
	}
	want := []string{"e1", "s1", "s3"}
	if diff := cmp.Diff(want, f.mailer.archived); diff != "" {
		t.Errorf("selection archive mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectionCancel(t *testing.T) {
	f := newFixture()
	f.finder.similar = []types.Email{{ID: "s1"}}
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), archive("bulk"), ""); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "3"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "Cancel"); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.archived) != 0 {
		t.Error("cancel still archived mail")
	}
	if f.mgr.HasPending(operator) {
		t.Error("pending survived selection cancel")
	}
}

func TestForceArchiveFromRespondMenu(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "4"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e1"}, f.mailer.archived); diff != "" {
		t.Errorf("archived mismatch (-want +got):\n%s", diff)
	}
	if len(f.mailer.sent) != 0 {
		t.Error("forced archive also sent a reply")
	}
}

func TestMarkReadOnlyFromArchiveMenu(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), archive("newsletter"), ""); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "4"); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.archived) != 0 {
		t.Error("mark-read-only archived the mail")
	}
	if diff := cmp.Diff([]string{"e1"}, f.mailer.read); diff != "" {
		t.Errorf("read mismatch (-want +got):\n%s", diff)
	}
}

func TestForceReplyFromArchiveMenu(t *testing.T) {
	f := newFixture()
	f.model.draft = "forced draft"
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), archive("newsletter"), ""); err != nil {
		t.Fatal(err)
	}
	// Option 3 on an ARCHIVE menu flips to a RESPOND confirmation.
	if err := f.mgr.HandleMessage(ctx, operator, "3"); err != nil {
		t.Fatal(err)
	}
	if !f.mgr.HasPending(operator) {
		t.Fatal("no pending after forced reply")
	}
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"e1"}, f.mailer.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestFollowUpQuestionsOneAtATime(t *testing.T) {
	f := newFixture()
	f.model.classification = respond("now clear")
	ctx := context.Background()

	cls := types.Classification{
		Action:    types.ActionNeedInfo,
		Reason:    "ambiguous",
		Questions: []string{"Who is this from?", "Did you request this?"},
	}
	if err := f.mgr.Begin(ctx, operator, testThread("e1"), cls, ""); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.HandleMessage(ctx, operator, "a recruiter"); err != nil {
		t.Fatal(err)
	}
	if f.model.classifyCalls != 0 {
		t.Fatal("re-classified before all questions were answered")
	}

	if err := f.mgr.HandleMessage(ctx, operator, "no"); err != nil {
		t.Fatal(err)
	}
	if f.model.classifyCalls != 1 {
		t.Fatalf("classify calls = %d, want 1", f.model.classifyCalls)
	}
	wantAnswers := []ai.QA{
		{Question: "Who is this from?", Answer: "a recruiter"},
		{Question: "Did you request this?", Answer: "no"},
	}
	if diff := cmp.Diff(wantAnswers, f.model.lastAnswers); diff != "" {
		t.Errorf("answers mismatch (-want +got):\n%s", diff)
	}

	// The verdict came back RESPOND; the action menu should now accept "1".
	if err := f.mgr.HandleMessage(ctx, operator, "1"); err != nil {
		t.Fatal(err)
	}
	if len(f.mailer.sent) != 1 {
		t.Errorf("sent %d replies after follow-up, want 1", len(f.mailer.sent))
	}
}

func TestFollowUpRoundCapForcesDecision(t *testing.T) {
	f := newFixture()
	// The model keeps asking for more information on every re-classify.
	f.model.classification = types.Classification{
		Action:    types.ActionNeedInfo,
		Reason:    "still unclear",
		Questions: []string{"Another question?"},
	}
	ctx := context.Background()

	cls := types.Classification{
		Action:    types.ActionNeedInfo,
		Questions: []string{"First question?"},
	}
	if err := f.mgr.Begin(ctx, operator, testThread("e1"), cls, ""); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2*maxFollowUpRounds+2; i++ {
		p, ok := f.mgr.get(operator)
		if !ok {
			t.Fatal("pending vanished mid follow-up")
		}
		if p.Kind != KindFollowUp {
			break
		}
		if err := f.mgr.HandleMessage(ctx, operator, fmt.Sprintf("answer %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	p, ok := f.mgr.get(operator)
	if !ok {
		t.Fatal("no pending after cap")
	}
	if p.Kind != KindActionConfirmation || p.Action != types.ActionArchive {
		t.Errorf("after cap: kind=%v action=%q, want action confirmation with ARCHIVE", p.Kind, p.Action)
	}
}

func TestUnknownMenuInputKeepsState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "drafted reply"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.HandleMessage(ctx, operator, "banana"); err != nil {
		t.Fatal(err)
	}
	if !f.mgr.HasPending(operator) {
		t.Error("unknown input discarded the pending state")
	}
	if f.chat.last() == "" {
		t.Error("no error notice sent for unknown input")
	}
}

func TestBeginRejectsSecondInteraction(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "d"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Begin(ctx, operator, testThread("e2"), respond("q"), "d"); err == nil {
		t.Error("second Begin succeeded while one was pending")
	}
}

func TestClearForDropsMatchingPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.mgr.Begin(ctx, operator, testThread("e1"), respond("q"), "d"); err != nil {
		t.Fatal(err)
	}
	f.mgr.ClearFor([]string{"other", "e1"})
	if f.mgr.HasPending(operator) {
		t.Error("ClearFor left a pending interaction for a cleared id")
	}
}

func TestParseSelection(t *testing.T) {
	cases := []struct {
		input   string
		n       int
		want    []int
		wantErr bool
	}{
		{"1,3,4", 5, []int{0, 2, 3}, false},
		{" 2 , 2 ", 3, []int{1}, false},
		{"0", 3, nil, true},
		{"4", 3, nil, true},
		{"a,b", 3, nil, true},
		{"", 3, nil, true},
	}
	for _, tc := range cases {
		got, err := parseSelection(tc.input, tc.n)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseSelection(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("parseSelection(%q) mismatch (-want +got):\n%s", tc.input, diff)
		}
	}
}
