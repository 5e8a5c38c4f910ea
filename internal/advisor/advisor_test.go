package advisor

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kingrea/council/internal/conversation"
	"github.com/kingrea/council/internal/orchestrator"
	"github.com/kingrea/council/internal/provider"
	"github.com/kingrea/council/internal/tokens"
)

func testRoster(t *testing.T) *Roster {
	t.Helper()
	roster, err := NewRoster([]Advisor{
		{ID: "strategist", Name: "Sage", Persona: "You think about positioning."},
		{ID: "skeptic", Name: "Vex", Persona: "You poke holes."},
	})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	return roster
}

func TestNewRosterValidates(t *testing.T) {
	if _, err := NewRoster(nil); err == nil {
		t.Fatalf("expected empty roster error")
	}
	if _, err := NewRoster([]Advisor{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	roster, err := NewRoster([]Advisor{{ID: "a"}})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if roster.Name("a") != "a" || roster.Name("missing") != "missing" {
		t.Fatalf("unexpected names")
	}
}

func TestBuildPromptAttributesOtherAdvisors(t *testing.T) {
	roster := testRoster(t)
	req := orchestrator.TurnRequest{
		ParticipantID:       "skeptic",
		OtherParticipantIDs: []string{"strategist"},
		SubjectContext:      "A budgeting app",
		PriorMessages: []conversation.Message{
			{Role: conversation.RoleUser, Content: "Thoughts?", IsFinal: true},
			{Role: conversation.RoleAgent, ParticipantID: "strategist", Content: "Target students.", IsFinal: true},
			{Role: conversation.RoleAgent, ParticipantID: "skeptic", Content: "Who pays?", IsFinal: true},
		},
		Directive: "Expand on it.",
	}
	msgs, err := roster.BuildPrompt(req)
	if err != nil {
		t.Fatalf("build prompt: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	system := msgs[0].Content
	for _, want := range []string{"Vex", "You poke holes.", "Sage", "A budgeting app"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q: %s", want, system)
		}
	}
	if msgs[2].Role != provider.RoleUser || msgs[2].Content != "[Sage]: Target students." {
		t.Fatalf("other advisor message = %+v", msgs[2])
	}
	if msgs[3].Role != provider.RoleAssistant {
		t.Fatalf("own reply should be assistant, got %+v", msgs[3])
	}
	if msgs[4].Content != "Expand on it." {
		t.Fatalf("directive = %+v", msgs[4])
	}
	if _, err := roster.BuildPrompt(orchestrator.TurnRequest{ParticipantID: "ghost"}); err == nil {
		t.Fatalf("expected unknown advisor error")
	}
}

type captureClient struct {
	got []provider.ChatMessage
}

func (c *captureClient) StreamChat(_ context.Context, msgs []provider.ChatMessage) (io.ReadCloser, error) {
	c.got = msgs
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

type runeCounter struct{}

func (runeCounter) Count(text string) int { return len(text) }

func TestStreamerTrimsToBudget(t *testing.T) {
	client := &captureClient{}
	streamer, err := NewStreamer(testRoster(t), client, tokens.Budget{Counter: runeCounter{}, Limit: 400})
	if err != nil {
		t.Fatalf("streamer: %v", err)
	}
	prior := []conversation.Message{
		{Role: conversation.RoleUser, Content: strings.Repeat("x", 300), IsFinal: true},
		{Role: conversation.RoleUser, Content: "latest", IsFinal: true},
	}
	body, err := streamer.OpenTurn(context.Background(), orchestrator.TurnRequest{ParticipantID: "strategist", PriorMessages: prior})
	if err != nil {
		t.Fatalf("open turn: %v", err)
	}
	body.Close()
	if len(client.got) != 2 || client.got[1].Content != "latest" {
		t.Fatalf("expected the long message to be trimmed, got %d messages", len(client.got))
	}
}
