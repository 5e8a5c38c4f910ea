// Package advisor describes the council's advisors and turns a scheduled turn
// into a chat-completions prompt.
package advisor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kingrea/council/internal/conversation"
	"github.com/kingrea/council/internal/orchestrator"
	"github.com/kingrea/council/internal/provider"
	"github.com/kingrea/council/internal/tokens"
)

// Advisor is one persona on the council.
type Advisor struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Persona string `yaml:"persona" json:"persona"`
	// Color is a lipgloss color used by the terminal client.
	Color string `yaml:"color" json:"color,omitempty"`
}

// Roster is an ordered set of advisors.
type Roster struct {
	order []Advisor
	index map[string]int
}

// NewRoster validates advisors and keeps their order.
func NewRoster(advisors []Advisor) (*Roster, error) {
	r := &Roster{index: make(map[string]int, len(advisors))}
	for _, a := range advisors {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("advisor: id is required")
		}
		if _, dup := r.index[a.ID]; dup {
			return nil, fmt.Errorf("advisor: %s listed twice", a.ID)
		}
		if strings.TrimSpace(a.Name) == "" {
			a.Name = a.ID
		}
		r.index[a.ID] = len(r.order)
		r.order = append(r.order, a)
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("advisor: roster is empty")
	}
	return r, nil
}

// IDs returns advisor IDs in roster order.
func (r *Roster) IDs() []string {
	ids := make([]string, 0, len(r.order))
	for _, a := range r.order {
		ids = append(ids, a.ID)
	}
	return ids
}

// All returns a copy of the advisors.
func (r *Roster) All() []Advisor {
	return append([]Advisor(nil), r.order...)
}

// Get looks up an advisor by ID.
func (r *Roster) Get(id string) (Advisor, bool) {
	idx, ok := r.index[id]
	if !ok {
		return Advisor{}, false
	}
	return r.order[idx], true
}

// Name returns the display name for id, falling back to id itself.
func (r *Roster) Name(id string) string {
	if a, ok := r.Get(id); ok {
		return a.Name
	}
	return id
}

// BuildPrompt renders a turn as chat messages. The advisor's own replies are
// sent as assistant messages; everyone else's as attributed user messages.
func (r *Roster) BuildPrompt(req orchestrator.TurnRequest) ([]provider.ChatMessage, error) {
	self, ok := r.Get(req.ParticipantID)
	if !ok {
		return nil, fmt.Errorf("advisor: unknown advisor %s", req.ParticipantID)
	}
	messages := make([]provider.ChatMessage, 0, len(req.PriorMessages)+2)
	messages = append(messages, provider.ChatMessage{Role: provider.RoleSystem, Content: r.systemPrompt(self, req)})
	for _, msg := range req.PriorMessages {
		switch {
		case msg.Role == conversation.RoleUser:
			messages = append(messages, provider.ChatMessage{Role: provider.RoleUser, Content: msg.Content})
		case msg.ParticipantID == self.ID:
			messages = append(messages, provider.ChatMessage{Role: provider.RoleAssistant, Content: msg.Content})
		default:
			messages = append(messages, provider.ChatMessage{
				Role:    provider.RoleUser,
				Content: fmt.Sprintf("[%s]: %s", r.Name(msg.ParticipantID), msg.Content),
			})
		}
	}
	if directive := strings.TrimSpace(req.Directive); directive != "" {
		messages = append(messages, provider.ChatMessage{Role: provider.RoleUser, Content: directive})
	}
	return messages, nil
}

func (r *Roster) systemPrompt(self Advisor, req orchestrator.TurnRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an advisor on a product ideation council.\n", self.Name)
	if persona := strings.TrimSpace(self.Persona); persona != "" {
		b.WriteString(persona)
		b.WriteString("\n")
	}
	if len(req.OtherParticipantIDs) > 0 {
		names := make([]string, 0, len(req.OtherParticipantIDs))
		for _, id := range req.OtherParticipantIDs {
			names = append(names, r.Name(id))
		}
		fmt.Fprintf(&b, "The other advisors are %s. Build on or challenge their points instead of repeating them.\n", strings.Join(names, ", "))
	}
	if subject := strings.TrimSpace(req.SubjectContext); subject != "" {
		fmt.Fprintf(&b, "\nThe idea under discussion:\n%s\n", subject)
	}
	b.WriteString("\nReply in your own voice, in a few short paragraphs.")
	return b.String()
}

// ChatStreamer is the part of provider.Client the streamer needs.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []provider.ChatMessage) (io.ReadCloser, error)
}

// Streamer adapts the model client to orchestrator.Streamer.
type Streamer struct {
	roster *Roster
	client ChatStreamer
	budget tokens.Budget
}

// NewStreamer wires a roster to a model client. A zero budget disables
// trimming.
func NewStreamer(roster *Roster, client ChatStreamer, budget tokens.Budget) (*Streamer, error) {
	if roster == nil || client == nil {
		return nil, fmt.Errorf("advisor: roster and client are required")
	}
	return &Streamer{roster: roster, client: client, budget: budget}, nil
}

// OpenTurn implements orchestrator.Streamer.
func (s *Streamer) OpenTurn(ctx context.Context, req orchestrator.TurnRequest) (io.ReadCloser, error) {
	messages, err := s.roster.BuildPrompt(req)
	if err != nil {
		return nil, err
	}
	return s.client.StreamChat(ctx, s.budget.Trim(messages))
}
