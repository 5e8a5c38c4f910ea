package tokens

import (
	"strings"
	"testing"

	"github.com/kingrea/council/internal/provider"
)

// wordCounter counts whitespace separated words so tests do not need the BPE
// tables.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func TestCountMessagesAddsFramingOverhead(t *testing.T) {
	msgs := []provider.ChatMessage{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "hello there council"},
	}
	// 2*4 overhead + 2 role words + 5 content words + 3 priming.
	if got := CountMessages(wordCounter{}, msgs); got != 18 {
		t.Fatalf("count = %d, want 18", got)
	}
}

func TestBudgetTrimDropsOldestConversationFirst(t *testing.T) {
	msgs := []provider.ChatMessage{
		{Role: provider.RoleSystem, Content: "persona"},
		{Role: provider.RoleUser, Content: "one two three four five"},
		{Role: provider.RoleAssistant, Content: "six seven"},
		{Role: provider.RoleUser, Content: "latest"},
	}
	budget := Budget{Counter: wordCounter{}, Limit: 22}
	got := budget.Trim(msgs)
	if len(got) != 3 {
		t.Fatalf("trimmed to %d messages, want 3: %+v", len(got), got)
	}
	if got[0].Role != provider.RoleSystem || got[1].Content != "six seven" || got[2].Content != "latest" {
		t.Fatalf("unexpected trim result %+v", got)
	}
	if len(msgs) != 4 {
		t.Fatalf("input slice was modified")
	}
}

func TestBudgetTrimKeepsSystemAndLastMessage(t *testing.T) {
	msgs := []provider.ChatMessage{
		{Role: provider.RoleSystem, Content: strings.Repeat("w ", 50)},
		{Role: provider.RoleUser, Content: "question"},
	}
	got := Budget{Counter: wordCounter{}, Limit: 5}.Trim(msgs)
	if len(got) != 2 {
		t.Fatalf("expected system and final message to survive, got %+v", got)
	}
}

func TestBudgetZeroLimitDisablesTrimming(t *testing.T) {
	msgs := []provider.ChatMessage{{Role: provider.RoleUser, Content: "a b c"}}
	if got := (Budget{Counter: wordCounter{}}).Trim(msgs); len(got) != 1 {
		t.Fatalf("unexpected trim %+v", got)
	}
}

func TestApproxRoundsUp(t *testing.T) {
	if got := (Approx{}).Count("abcde"); got != 2 {
		t.Fatalf("approx = %d, want 2", got)
	}
}
