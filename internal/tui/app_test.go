package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/council/internal/advisor"
	"github.com/kingrea/council/internal/bridge"
	"github.com/kingrea/council/internal/conversation"
	"github.com/kingrea/council/internal/evaluation"
	"github.com/kingrea/council/internal/logbook"
	"github.com/kingrea/council/internal/orchestrator"
	"github.com/kingrea/council/internal/provider"
)

type stubChat struct {
	conv      *conversation.Conversation
	router    *bridge.Router
	book      *logbook.Logbook
	sent      []string
	expanded  []string
	cancelled bool
	busy      bool
	sets      []string
}

func newStubChat(t *testing.T) *stubChat {
	t.Helper()
	book, err := logbook.New(filepath.Join(t.TempDir(), "logbook.log"))
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	return &stubChat{router: bridge.NewRouter(), book: book}
}

func (s *stubChat) Advisors() []advisor.Advisor {
	return []advisor.Advisor{
		{ID: "strategist", Name: "Sage", Color: "#7D56F4"},
		{ID: "skeptic", Name: "Vex"},
	}
}

func (s *stubChat) CreateConversation(participants []string, subject string) (*conversation.Conversation, error) {
	if len(participants) == 0 {
		participants = []string{"strategist", "skeptic"}
	}
	conv, err := conversation.New(participants, subject)
	s.conv = conv
	return conv, err
}

func (s *stubChat) Conversation(id string) (*conversation.Conversation, error) {
	if s.conv == nil || s.conv.ID != id {
		return nil, fmt.Errorf("unknown conversation %s", id)
	}
	return s.conv, nil
}

func (s *stubChat) StartMessage(_ string, text string, _ []string) error {
	if s.busy {
		return orchestrator.ErrRoundInProgress
	}
	s.sent = append(s.sent, text)
	s.busy = true
	return nil
}

func (s *stubChat) StartExpand(_ string, messageID string) error {
	s.expanded = append(s.expanded, messageID)
	return nil
}

func (s *stubChat) Cancel(string) bool {
	was := s.busy
	s.cancelled = true
	s.busy = false
	return was
}

func (s *stubChat) Busy(string) bool { return s.busy }

func (s *stubChat) Subscribe(id string) bridge.Subscription { return s.router.Subscribe(id) }

func (s *stubChat) Evaluate(_ context.Context, setID string, subject evaluation.Subject) (evaluation.Evaluation, error) {
	s.sets = append(s.sets, setID)
	return evaluation.Evaluation{
		SubjectID:    subject.ID,
		SetID:        setID,
		OverallScore: 6.95,
		Tier:         "rare",
		Degraded:     true,
		Criteria: map[string]evaluation.CriterionResult{
			"clarity": {CriterionKey: "clarity", Score: 8, Rationale: "clear"},
			"toxic":   {CriterionKey: "toxic", Score: 5, Failed: true},
		},
	}, nil
}

func (s *stubChat) Logbook() *logbook.Logbook { return s.book }

func newTestApp(t *testing.T, chat *stubChat, opts ...AppOption) *App {
	t.Helper()
	app, err := NewApp(chat, opts...)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func typeLine(t *testing.T, app *App, line string) tea.Cmd {
	t.Helper()
	app.input.SetValue(line)
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestSendingTextStartsRound(t *testing.T) {
	chat := newStubChat(t)
	app := newTestApp(t, chat, WithSubject("Solar kiosks"))
	if !strings.Contains(app.View(), "Solar kiosks") {
		t.Fatalf("intro should mention the subject")
	}
	typeLine(t, app, "  what do you think?  ")
	if len(chat.sent) != 1 || chat.sent[0] != "what do you think?" {
		t.Fatalf("sent = %v", chat.sent)
	}
	if !app.busy || app.input.Value() != "" {
		t.Fatalf("expected busy app with cleared input")
	}
	typeLine(t, app, "again")
	if !strings.Contains(app.statusMsg, "still answering") {
		t.Fatalf("status = %q", app.statusMsg)
	}
}

func TestRoundEventsRedrawTranscript(t *testing.T) {
	chat := newStubChat(t)
	app := newTestApp(t, chat)
	conv := chat.conv
	if _, err := conv.Log.AppendUser("hello"); err != nil {
		t.Fatal(err)
	}
	msg, err := conv.Log.Begin("strategist")
	if err != nil {
		t.Fatal(err)
	}
	_ = conv.Log.AppendContent(msg.ID, "Find the wedge.")
	app.Update(roundEventMsg{event: orchestrator.Event{Kind: orchestrator.EventTurnStarted, ConversationID: conv.ID, ParticipantID: "strategist"}})
	if !strings.Contains(app.statusMsg, "Sage is typing") {
		t.Fatalf("status = %q", app.statusMsg)
	}
	if _, err := conv.Log.Finalize(msg.ID, conversation.OutcomeComplete, ""); err != nil {
		t.Fatal(err)
	}
	_, cmd := app.Update(roundEventMsg{event: orchestrator.Event{Kind: orchestrator.EventRoundFinished, ConversationID: conv.ID}})
	if cmd == nil {
		t.Fatalf("expected the client to keep listening")
	}
	if app.busy {
		t.Fatalf("round finished, app should be idle")
	}
	transcript := app.renderTranscript(80)
	for _, want := range []string{"You", "hello", "Sage", "#1", "Find the wedge."} {
		if !strings.Contains(transcript, want) {
			t.Fatalf("transcript missing %q:\n%s", want, transcript)
		}
	}
}

func TestRoundFinishedShowsQuotaNotice(t *testing.T) {
	chat := newStubChat(t)
	app := newTestApp(t, chat)
	app.busy = true
	app.Update(roundEventMsg{event: orchestrator.Event{
		Kind:           orchestrator.EventRoundFinished,
		ConversationID: chat.conv.ID,
		Err:            provider.ErrQuotaExceeded,
		Error:          provider.ErrQuotaExceeded.Error(),
	}})
	if app.statusMsg != provider.UserMessage(provider.ErrQuotaExceeded) {
		t.Fatalf("status = %q", app.statusMsg)
	}
}

func TestScoreCommandEvaluatesSubject(t *testing.T) {
	chat := newStubChat(t)
	app := newTestApp(t, chat, WithSubject("Solar kiosks"))
	cmd := typeLine(t, app, "/score")
	if cmd == nil || !app.evaluating {
		t.Fatalf("expected evaluation command")
	}
	app.Update(cmd())
	if len(chat.sets) != 1 || chat.sets[0] != "idea" {
		t.Fatalf("sets = %v", chat.sets)
	}
	if app.evaluating || !strings.Contains(app.statusMsg, "6.95 (rare)") || !strings.Contains(app.statusMsg, "raters failed") {
		t.Fatalf("status = %q", app.statusMsg)
	}
	if !strings.Contains(app.renderTranscript(80), "(fallback)") {
		t.Fatalf("score card should flag fallback criteria")
	}

	if cmd := typeLine(t, app, "/research"); cmd != nil {
		t.Fatalf("research without text should not run")
	}
	cmd = typeLine(t, app, "/research Batteries degrade slower in cold storage")
	app.Update(cmd())
	if chat.sets[1] != "research" {
		t.Fatalf("sets = %v", chat.sets)
	}
}

func TestExpandPicksReply(t *testing.T) {
	chat := newStubChat(t)
	app := newTestApp(t, chat)
	typeLine(t, app, "/expand")
	if !strings.Contains(app.statusMsg, "No advisor replies") {
		t.Fatalf("status = %q", app.statusMsg)
	}
	conv := chat.conv
	var ids []string
	for _, who := range []string{"strategist", "skeptic"} {
		msg, _ := conv.Log.Begin(who)
		_ = conv.Log.AppendContent(msg.ID, "reply from "+who)
		final, _ := conv.Log.Finalize(msg.ID, conversation.OutcomeComplete, "")
		ids = append(ids, final.ID)
	}
	typeLine(t, app, "/expand 1")
	typeLine(t, app, "/expand")
	typeLine(t, app, "/expand 9")
	if len(chat.expanded) != 2 || chat.expanded[0] != ids[0] || chat.expanded[1] != ids[1] {
		t.Fatalf("expanded = %v want %v", chat.expanded, ids)
	}
	if !strings.Contains(app.statusMsg, "between 1 and 2") {
		t.Fatalf("status = %q", app.statusMsg)
	}
}

func TestCancelAndQuit(t *testing.T) {
	chat := newStubChat(t)
	app := newTestApp(t, chat)
	chat.busy = true
	typeLine(t, app, "/cancel")
	if !chat.cancelled || !strings.Contains(app.statusMsg, "Cancelling") {
		t.Fatalf("cancel not forwarded, status %q", app.statusMsg)
	}
	cmd := typeLine(t, app, "/quit")
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestLogPanelShowsLogbookTail(t *testing.T) {
	chat := newStubChat(t)
	app := newTestApp(t, chat)
	chat.book.Info("round for c1 finished: 3 replies, 0 failures")
	view := app.View()
	if !strings.Contains(view, "LOG · logbook.log · 1 entries") || !strings.Contains(view, "3 replies") {
		t.Fatalf("log panel missing from view:\n%s", view)
	}
}

func TestResumeUnknownConversationFails(t *testing.T) {
	chat := newStubChat(t)
	if _, err := NewApp(chat, WithConversationID("missing")); err == nil {
		t.Fatalf("expected resume error")
	}
}
