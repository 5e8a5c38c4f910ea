// Package conversation holds the ordered, append-only message history of a
// council chat. Exactly one message may be in flight (non-final) at a time,
// and only that tail message may grow.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who wrote a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Outcome records how a message was finalized.
type Outcome string

const (
	OutcomePending     Outcome = ""
	OutcomeComplete    Outcome = "complete"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
)

var (
	// ErrFinalized is returned when mutating a message that is already final.
	ErrFinalized = errors.New("conversation: message is final")
	// ErrNotTail is returned when mutating anything but the in-flight tail.
	ErrNotTail = errors.New("conversation: message is not the in-flight tail")
	// ErrInFlight is returned when a second message would be opened while one is
	// still streaming.
	ErrInFlight = errors.New("conversation: another message is in flight")
	// ErrUnknownMessage is returned for IDs not present in the log.
	ErrUnknownMessage = errors.New("conversation: unknown message")
)

// Message is one entry in the conversation.
type Message struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	ParticipantID string    `json:"participant_id,omitempty"`
	Content       string    `json:"content"`
	IsFinal       bool      `json:"is_final"`
	Outcome       Outcome   `json:"outcome,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	FinalizedAt   time.Time `json:"finalized_at,omitempty"`
}

// Conversation binds a fixed participant order to its message log.
type Conversation struct {
	ID               string
	ParticipantOrder []string

	// SubjectContext is the idea or deck text every participant reasons about.
	SubjectContext string
	Log            *Log
}

// New creates a conversation with a fresh ID.
func New(participants []string, subject string, opts ...LogOption) (*Conversation, error) {
	order := make([]string, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, id := range participants {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("conversation: participant %s listed twice", id)
		}
		seen[id] = struct{}{}
		order = append(order, id)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("conversation: at least one participant is required")
	}
	return &Conversation{
		ID:               uuid.NewString(),
		ParticipantOrder: order,
		SubjectContext:   strings.TrimSpace(subject),
		Log:              NewLog(opts...),
	}, nil
}

// HasParticipant reports whether id is part of the conversation.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.ParticipantOrder {
		if p == id {
			return true
		}
	}
	return false
}

// LogOption customizes a Log.
type LogOption func(*Log)

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) LogOption {
	return func(l *Log) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithIDGenerator overrides message ID generation.
func WithIDGenerator(gen func() string) LogOption {
	return func(l *Log) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// Log is the message history. Readers may call it concurrently with the
// single round that writes to it.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
	inFlight int
	now      func() time.Time
	newID    func() string
}

// NewLog returns an empty log.
func NewLog(opts ...LogOption) *Log {
	l := &Log{
		index:    map[string]int{},
		inFlight: -1,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// AppendUser appends a finalized user message.
func (l *Log) AppendUser(content string) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight >= 0 {
		return Message{}, ErrInFlight
	}
	now := l.now()
	msg := Message{
		ID:          l.newID(),
		Role:        RoleUser,
		Content:     content,
		IsFinal:     true,
		Outcome:     OutcomeComplete,
		CreatedAt:   now,
		FinalizedAt: now,
	}
	l.append(msg)
	return msg, nil
}

// Begin opens an empty, non-final agent message for participantID.
func (l *Log) Begin(participantID string) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight >= 0 {
		return Message{}, ErrInFlight
	}
	msg := Message{
		ID:            l.newID(),
		Role:          RoleAgent,
		ParticipantID: participantID,
		CreatedAt:     l.now(),
	}
	l.append(msg)
	l.inFlight = len(l.messages) - 1
	return msg, nil
}

// AppendContent grows the in-flight tail message.
func (l *Log) AppendContent(id, delta string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.mutable(id)
	if err != nil {
		return err
	}
	l.messages[idx].Content += delta
	return nil
}

// Finalize closes the in-flight message. When its content is empty and
// fallback is not, the fallback text is stored instead.
func (l *Log) Finalize(id string, outcome Outcome, fallback string) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.mutable(id)
	if err != nil {
		return Message{}, err
	}
	msg := &l.messages[idx]
	if strings.TrimSpace(msg.Content) == "" && fallback != "" {
		msg.Content = fallback
	}
	if outcome == OutcomePending {
		outcome = OutcomeComplete
	}
	msg.IsFinal = true
	msg.Outcome = outcome
	msg.FinalizedAt = l.now()
	l.inFlight = -1
	return *msg, nil
}

// Get returns a copy of the message with id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[idx], true
}

// Messages returns a copy of every message in append order.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Finalized returns only final messages, in order.
func (l *Log) Finalized() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, 0, len(l.messages))
	for _, msg := range l.messages {
		if msg.IsFinal {
			out = append(out, msg)
		}
	}
	return out
}

// Tail returns the in-flight message, if any.
func (l *Log) Tail() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.inFlight < 0 {
		return Message{}, false
	}
	return l.messages[l.inFlight], true
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Restore replaces the log with previously finalized messages, e.g. from the
// local cache. Non-final entries are rejected.
func (l *Log) Restore(messages []Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight >= 0 {
		return ErrInFlight
	}
	restored := make([]Message, 0, len(messages))
	index := make(map[string]int, len(messages))
	for _, msg := range messages {
		if !msg.IsFinal {
			return fmt.Errorf("conversation: restore %s: %w", msg.ID, ErrInFlight)
		}
		if msg.ID == "" {
			msg.ID = l.newID()
		}
		index[msg.ID] = len(restored)
		restored = append(restored, msg)
	}
	l.messages = restored
	l.index = index
	return nil
}

func (l *Log) append(msg Message) {
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
}

func (l *Log) mutable(id string) (int, error) {
	idx, ok := l.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if l.messages[idx].IsFinal {
		return 0, fmt.Errorf("%w: %s", ErrFinalized, id)
	}
	if idx != l.inFlight {
		return 0, fmt.Errorf("%w: %s", ErrNotTail, id)
	}
	return idx, nil
}
