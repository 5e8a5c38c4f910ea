package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kingrea/council/internal/conversation"
)

// ApologyText replaces the content of a turn that failed before producing
// anything.
const ApologyText = "Sorry, I couldn't finish that thought. Please try again."

var (
	// ErrRoundInProgress is returned when a conversation already has a round
	// running.
	ErrRoundInProgress = errors.New("orchestrator: round already in progress")
	// ErrUnknownParticipant is returned for participants outside the
	// conversation.
	ErrUnknownParticipant = errors.New("orchestrator: unknown participant")
	// ErrEmptyReply marks a stream that ended without any text.
	ErrEmptyReply = errors.New("orchestrator: empty reply")
)

// State is the scheduler's position within a round.
type State int

const (
	StateIdle State = iota
	StateDispatching
	StateStreaming
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateIdle, StateDispatching, StateStreaming, StateFinalizing} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("orchestrator: unknown state %q", text)
}

// EventKind names a scheduler event.
type EventKind string

const (
	EventRoundStarted  EventKind = "round-started"
	EventTurnStarted   EventKind = "turn-started"
	EventDelta         EventKind = "delta"
	EventTurnFinished  EventKind = "turn-finished"
	EventRoundFinished EventKind = "round-finished"
)

// Event describes progress of a round.
type Event struct {
	Kind           EventKind            `json:"kind"`
	State          State                `json:"state"`
	ConversationID string               `json:"conversation_id"`
	ParticipantID  string               `json:"participant_id,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	Delta          string               `json:"delta,omitempty"`
	Content        string               `json:"content,omitempty"`
	Outcome        conversation.Outcome `json:"outcome,omitempty"`
	Error          string               `json:"error,omitempty"`
	Err            error                `json:"-"`
}

// Observer receives events synchronously from the round's worker. It must not
// block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(evt Event) { f(evt) }

// TurnRequest is everything a participant needs to produce one reply.
type TurnRequest struct {
	ConversationID      string
	ParticipantID       string
	OtherParticipantIDs []string
	// PriorMessages holds every finalized message, including replies finished
	// earlier in the same round.
	PriorMessages  []conversation.Message
	SubjectContext string
	// Directive is an extra instruction for this turn, e.g. an expansion
	// request. Empty for ordinary turns.
	Directive string
}

// Streamer opens the token stream for one turn. Closing the returned body
// must abort the underlying read.
type Streamer interface {
	OpenTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error)
}

// RoundRequest starts a round.
type RoundRequest struct {
	UserText string
	// Participants selects a subset of the conversation. Conversation order is
	// kept regardless of the order given here. Empty means everyone.
	Participants []string
}

// TurnError records a participant turn that failed.
type TurnError struct {
	ParticipantID string
	MessageID     string
	Err           error
}

func (e TurnError) Error() string {
	return fmt.Sprintf("orchestrator: turn %s (%s): %v", e.ParticipantID, e.MessageID, e.Err)
}

func (e TurnError) Unwrap() error { return e.Err }

// RoundResult summarises a round.
type RoundResult struct {
	ConversationID string
	UserMessage    *conversation.Message
	// Messages holds every finalized participant message in turn order.
	Messages  []conversation.Message
	Failures  []TurnError
	Cancelled bool
}
