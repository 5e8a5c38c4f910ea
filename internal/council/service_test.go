package council

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/council/internal/config"
	"github.com/kingrea/council/internal/evaluation"
	"github.com/kingrea/council/internal/orchestrator"
	"github.com/kingrea/council/internal/provider"
)

type echoStreamer struct {
	gate chan struct{}
}

func (s *echoStreamer) OpenTurn(ctx context.Context, req orchestrator.TurnRequest) (io.ReadCloser, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	body := fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":\"%s here\"}}]}\n\ndata: [DONE]\n\n", req.ParticipantID)
	return io.NopCloser(strings.NewReader(body)), nil
}

type fixedCompleter struct {
	reply string
}

func (c fixedCompleter) Complete(context.Context, []provider.ChatMessage) (string, error) {
	return c.reply, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestService(t *testing.T, projectDir string, streamer orchestrator.Streamer) *Service {
	t.Helper()
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	svc, err := New(cfg,
		WithStreamer(streamer),
		WithCompleter(fixedCompleter{reply: `{"score": 7, "rationale": "solid"}`}),
		WithSchedulerOptions(orchestrator.WithSleep(noSleep)),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestSendMessageRunsRoundAndCachesHistory(t *testing.T) {
	projectDir := t.TempDir()
	svc := newTestService(t, projectDir, &echoStreamer{})
	conv, err := svc.CreateConversation(nil, "A marketplace for spare parts")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	result, err := svc.SendMessage(context.Background(), conv.ID, "Is this any good?", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(result.Messages) != 3 {
		t.Fatalf("expected three replies, got %d", len(result.Messages))
	}
	for i, id := range []string{"strategist", "skeptic", "builder"} {
		if result.Messages[i].ParticipantID != id || result.Messages[i].Content != id+" here" {
			t.Fatalf("reply %d = %+v", i, result.Messages[i])
		}
	}

	restarted := newTestService(t, projectDir, &echoStreamer{})
	restored, err := restarted.Conversation(conv.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Log.Len() != 4 {
		t.Fatalf("restored %d messages, want 4", restored.Log.Len())
	}
	if len(restored.ParticipantOrder) != 3 || restored.ParticipantOrder[0] != "strategist" {
		t.Fatalf("participant order = %v", restored.ParticipantOrder)
	}
}

func TestOneOnOneChatUsesAdvisorCacheKey(t *testing.T) {
	projectDir := t.TempDir()
	svc := newTestService(t, projectDir, &echoStreamer{})
	conv, err := svc.CreateConversation([]string{"skeptic"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), conv.ID, "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	restarted := newTestService(t, projectDir, &echoStreamer{})
	restored, err := restarted.Conversation(conv.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored.ParticipantOrder) != 1 || restored.ParticipantOrder[0] != "skeptic" {
		t.Fatalf("participant order = %v", restored.ParticipantOrder)
	}
}

func TestStartMessagePublishesAndRejectsConcurrentRound(t *testing.T) {
	streamer := &echoStreamer{gate: make(chan struct{})}
	svc := newTestService(t, t.TempDir(), streamer)
	conv, err := svc.CreateConversation([]string{"builder"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub := svc.Subscribe(conv.ID)
	defer sub.Close()

	if err := svc.StartMessage(conv.ID, "first", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.StartMessage(conv.ID, "second", nil); !errors.Is(err, orchestrator.ErrRoundInProgress) {
		t.Fatalf("expected ErrRoundInProgress, got %v", err)
	}
	if !svc.Busy(conv.ID) {
		t.Fatalf("expected busy conversation")
	}
	close(streamer.gate)

	deadline := time.After(2 * time.Second)
	var content string
	for {
		select {
		case evt := <-sub.Events:
			if evt.Kind == orchestrator.EventTurnFinished {
				content = evt.Content
			}
			if evt.Kind != orchestrator.EventRoundFinished {
				continue
			}
			svc.Wait()
			if content != "builder here" {
				t.Fatalf("turn content = %q", content)
			}
			if svc.Busy(conv.ID) {
				t.Fatalf("conversation should be idle")
			}
			return
		case <-deadline:
			t.Fatalf("round did not finish")
		}
	}
}

func TestStartMessageHoldsSlotBeforeReturning(t *testing.T) {
	streamer := &echoStreamer{gate: make(chan struct{})}
	svc := newTestService(t, t.TempDir(), streamer)
	conv, err := svc.CreateConversation([]string{"skeptic", "builder"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.StartMessage(conv.ID, "first", []string{" builder "}); err != nil {
		t.Fatalf("start with padded participant: %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), conv.ID, "second", nil); !errors.Is(err, orchestrator.ErrRoundInProgress) {
		t.Fatalf("synchronous send should lose to the started round, got %v", err)
	}
	close(streamer.gate)
	svc.Wait()
	messages := conv.Log.Messages()
	if len(messages) != 2 || messages[0].Content != "first" || messages[1].ParticipantID != "builder" {
		t.Fatalf("unexpected log %+v", messages)
	}
	if svc.Busy(conv.ID) {
		t.Fatalf("slot should be released after the round")
	}
}

func TestStartMessageValidatesBeforeLaunching(t *testing.T) {
	svc := newTestService(t, t.TempDir(), &echoStreamer{})
	conv, _ := svc.CreateConversation([]string{"builder"}, "")
	if err := svc.StartMessage(conv.ID, "  ", nil); err == nil {
		t.Fatalf("expected empty text error")
	}
	if err := svc.StartMessage(conv.ID, "hi", []string{"skeptic"}); !errors.Is(err, orchestrator.ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
	if err := svc.StartMessage("missing", "hi", nil); !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("expected unknown conversation, got %v", err)
	}
	if _, err := svc.CreateConversation([]string{"ghost"}, ""); !errors.Is(err, orchestrator.ErrUnknownParticipant) {
		t.Fatalf("expected unknown advisor error, got %v", err)
	}
}

func TestExpandAppendsElaboration(t *testing.T) {
	svc := newTestService(t, t.TempDir(), &echoStreamer{})
	conv, _ := svc.CreateConversation([]string{"strategist", "skeptic"}, "")
	result, err := svc.SendMessage(context.Background(), conv.ID, "thoughts?", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	expanded, err := svc.Expand(context.Background(), conv.ID, result.Messages[1].ID)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(expanded.Messages) != 1 || expanded.Messages[0].ParticipantID != "skeptic" {
		t.Fatalf("unexpected expansion %+v", expanded.Messages)
	}
	if conv.Log.Len() != 4 {
		t.Fatalf("log length = %d", conv.Log.Len())
	}
	if err := svc.StartExpand(conv.ID, result.UserMessage.ID); err == nil {
		t.Fatalf("expanding a user message should fail")
	}
}

func TestEvaluateUsesConfiguredSets(t *testing.T) {
	svc := newTestService(t, t.TempDir(), &echoStreamer{})
	if got := svc.Sets(); len(got) != 2 || got[0] != "idea" || got[1] != "research" {
		t.Fatalf("sets = %v", got)
	}
	eval, err := svc.Evaluate(context.Background(), "idea", evaluation.Subject{ID: "deck-1", Content: "Solar kiosks"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.OverallScore < 6.999 || eval.OverallScore > 7.001 || eval.Tier != "rare" || eval.Degraded {
		t.Fatalf("unexpected evaluation %+v", eval)
	}
	if len(eval.Criteria) != 7 {
		t.Fatalf("criteria = %d", len(eval.Criteria))
	}
	if _, err := svc.Evaluate(context.Background(), "nope", evaluation.Subject{Content: "x"}); !errors.Is(err, ErrUnknownSet) {
		t.Fatalf("expected ErrUnknownSet, got %v", err)
	}
	lines, _ := svc.Logbook().Tail(1)
	if len(lines) != 1 || !strings.Contains(lines[0], "deck-1 scored 7.00 on idea (rare)") {
		t.Fatalf("logbook tail = %v", lines)
	}
}

func TestCancelWithoutRound(t *testing.T) {
	svc := newTestService(t, t.TempDir(), &echoStreamer{})
	conv, _ := svc.CreateConversation(nil, "")
	if svc.Cancel(conv.ID) {
		t.Fatalf("nothing to cancel")
	}
	if conv.Log.Len() != 0 || conv.ParticipantOrder[2] != "builder" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
}
