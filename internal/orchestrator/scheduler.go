// Package orchestrator sequences advisor turns within a conversation. A round
// appends the user's message and then lets each selected participant reply in
// conversation order, one stream at a time, so replies never interleave.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/council/internal/conversation"
	"github.com/kingrea/council/internal/provider"
	"github.com/kingrea/council/internal/stream"
)

// DefaultPacing separates consecutive turns.
const DefaultPacing = 800 * time.Millisecond

// ExpandDirective asks a participant to elaborate on one of its replies.
const ExpandDirective = "Expand on your earlier reply below. Go deeper on the reasoning, add concrete examples, and keep the same voice.\n\n%s"

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Scheduler runs rounds. One Scheduler serves many conversations; each
// conversation has at most one round in flight.
type Scheduler struct {
	streamer Streamer
	observer Observer
	logger   Logger
	pacing   time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	decoder  []stream.DecoderOption

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithObserver registers the event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger injects a logger.
func WithLogger(l Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPacing overrides the delay between turns. Negative values are treated
// as zero.
func WithPacing(d time.Duration) Option {
	return func(s *Scheduler) {
		if d < 0 {
			d = 0
		}
		s.pacing = d
	}
}

// WithSleep replaces the pacing timer. Tests use it to avoid real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithDecoderOptions configures the stream decoder used for every turn.
func WithDecoderOptions(opts ...stream.DecoderOption) Option {
	return func(s *Scheduler) {
		s.decoder = append(s.decoder, opts...)
	}
}

// New builds a scheduler around streamer.
func New(streamer Streamer, opts ...Option) (*Scheduler, error) {
	if streamer == nil {
		return nil, fmt.Errorf("orchestrator: streamer is required")
	}
	s := &Scheduler{
		streamer: streamer,
		observer: ObserverFunc(func(Event) {}),
		logger:   nopLogger{},
		pacing:   DefaultPacing,
		sleep:    sleepContext,
		active:   map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Busy reports whether conversationID has a round in flight.
func (s *Scheduler) Busy(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[conversationID]
	return ok
}

// Cancel aborts the round in flight for conversationID. It reports whether a
// round was running.
func (s *Scheduler) Cancel(conversationID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[conversationID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RoundFunc runs a round whose slot has already been claimed. It must be
// called exactly once; the slot is released when it returns.
type RoundFunc func() (RoundResult, error)

// RunRound appends the user's message and runs one turn per selected
// participant. Failed turns are recorded in the result and the round moves
// on. Rate-limit and quota failures stop the round and are returned along
// with the partial result. Cancelling ctx (or calling Cancel) finalizes the
// in-flight reply with its partial content and returns a result with
// Cancelled set and a nil error.
func (s *Scheduler) RunRound(ctx context.Context, conv *conversation.Conversation, req RoundRequest) (RoundResult, error) {
	run, err := s.PrepareRound(ctx, conv, req)
	if err != nil {
		return RoundResult{}, err
	}
	return run()
}

// PrepareRound validates req and claims the conversation's round slot
// without starting the round. Once it returns, other rounds on the
// conversation fail with ErrRoundInProgress until the returned RoundFunc
// finishes.
func (s *Scheduler) PrepareRound(ctx context.Context, conv *conversation.Conversation, req RoundRequest) (RoundFunc, error) {
	if conv == nil || conv.Log == nil {
		return nil, fmt.Errorf("orchestrator: conversation is required")
	}
	text := strings.TrimSpace(req.UserText)
	if text == "" {
		return nil, fmt.Errorf("orchestrator: message text is required")
	}
	participants, err := selectParticipants(conv, req.Participants)
	if err != nil {
		return nil, err
	}
	ctx, release, err := s.acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return func() (RoundResult, error) {
		defer release()
		user, err := conv.Log.AppendUser(text)
		if err != nil {
			return RoundResult{}, fmt.Errorf("orchestrator: append user message: %w", err)
		}
		tasks := make([]turnTask, 0, len(participants))
		for _, id := range participants {
			tasks = append(tasks, turnTask{participantID: id})
		}
		result, err := s.run(ctx, conv, tasks)
		result.UserMessage = &user
		return result, err
	}, nil
}

// Expand runs a single turn in which the author of messageID elaborates on
// it. The elaboration is appended as a new message.
func (s *Scheduler) Expand(ctx context.Context, conv *conversation.Conversation, messageID string) (RoundResult, error) {
	run, err := s.PrepareExpand(ctx, conv, messageID)
	if err != nil {
		return RoundResult{}, err
	}
	return run()
}

// PrepareExpand is the Expand counterpart of PrepareRound.
func (s *Scheduler) PrepareExpand(ctx context.Context, conv *conversation.Conversation, messageID string) (RoundFunc, error) {
	if conv == nil || conv.Log == nil {
		return nil, fmt.Errorf("orchestrator: conversation is required")
	}
	msg, ok := conv.Log.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("orchestrator: expand: %w: %s", conversation.ErrUnknownMessage, messageID)
	}
	if msg.Role != conversation.RoleAgent || !msg.IsFinal {
		return nil, fmt.Errorf("orchestrator: expand: message %s is not a finished advisor reply", messageID)
	}
	if !conv.HasParticipant(msg.ParticipantID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, msg.ParticipantID)
	}
	ctx, release, err := s.acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	task := turnTask{
		participantID: msg.ParticipantID,
		directive:     fmt.Sprintf(ExpandDirective, msg.Content),
	}
	return func() (RoundResult, error) {
		defer release()
		return s.run(ctx, conv, []turnTask{task})
	}, nil
}

type turnTask struct {
	participantID string
	directive     string
}

func (s *Scheduler) run(ctx context.Context, conv *conversation.Conversation, tasks []turnTask) (RoundResult, error) {
	result := RoundResult{ConversationID: conv.ID}
	s.emit(Event{Kind: EventRoundStarted, State: StateDispatching, ConversationID: conv.ID})

	queue := make(chan turnTask, len(tasks))
	for _, task := range tasks {
		queue <- task
	}
	close(queue)

	var roundErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		first := true
		for task := range queue {
			if !first {
				if err := s.sleep(ctx, s.pacing); err != nil {
					result.Cancelled = true
					return
				}
			}
			first = false
			if ctx.Err() != nil {
				result.Cancelled = true
				return
			}
			msg, err := s.turn(ctx, conv, task)
			if msg.ID != "" {
				result.Messages = append(result.Messages, msg)
			}
			if err == nil {
				continue
			}
			if isCancellation(ctx, err) {
				result.Cancelled = true
				return
			}
			result.Failures = append(result.Failures, TurnError{
				ParticipantID: task.participantID,
				MessageID:     msg.ID,
				Err:           err,
			})
			if provider.UserVisible(err) {
				roundErr = err
				return
			}
		}
	}()
	<-done

	finished := Event{Kind: EventRoundFinished, State: StateIdle, ConversationID: conv.ID}
	if roundErr != nil {
		finished.Err = roundErr
		finished.Error = roundErr.Error()
	}
	s.emit(finished)
	s.logger.Printf("orchestrator: round for %s finished: %d replies, %d failures, cancelled=%t",
		conv.ID, len(result.Messages), len(result.Failures), result.Cancelled)
	return result, roundErr
}

// turn streams one participant's reply into a fresh message and always
// leaves that message finalized.
func (s *Scheduler) turn(ctx context.Context, conv *conversation.Conversation, task turnTask) (conversation.Message, error) {
	prior := conv.Log.Finalized()
	msg, err := conv.Log.Begin(task.participantID)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("orchestrator: begin turn: %w", err)
	}
	s.emit(Event{
		Kind:           EventTurnStarted,
		State:          StateDispatching,
		ConversationID: conv.ID,
		ParticipantID:  task.participantID,
		MessageID:      msg.ID,
	})

	streamErr := s.stream(ctx, conv, msg.ID, TurnRequest{
		ConversationID:      conv.ID,
		ParticipantID:       task.participantID,
		OtherParticipantIDs: others(conv.ParticipantOrder, task.participantID),
		PriorMessages:       prior,
		SubjectContext:      conv.SubjectContext,
		Directive:           task.directive,
	})

	outcome := conversation.OutcomeComplete
	fallback := ""
	switch {
	case streamErr == nil:
		if current, _ := conv.Log.Get(msg.ID); strings.TrimSpace(current.Content) == "" {
			streamErr = ErrEmptyReply
			outcome = conversation.OutcomeFailed
			fallback = ApologyText
		}
	case isCancellation(ctx, streamErr):
		outcome = conversation.OutcomeInterrupted
	default:
		outcome = conversation.OutcomeFailed
		fallback = ApologyText
		if notice := provider.UserMessage(streamErr); notice != "" {
			fallback = notice
		}
	}
	final, err := conv.Log.Finalize(msg.ID, outcome, fallback)
	if err != nil {
		return msg, fmt.Errorf("orchestrator: finalize %s: %w", msg.ID, err)
	}
	finished := Event{
		Kind:           EventTurnFinished,
		State:          StateFinalizing,
		ConversationID: conv.ID,
		ParticipantID:  task.participantID,
		MessageID:      final.ID,
		Content:        final.Content,
		Outcome:        final.Outcome,
	}
	if streamErr != nil && outcome == conversation.OutcomeFailed {
		finished.Err = streamErr
		finished.Error = streamErr.Error()
		s.logger.Printf("orchestrator: turn %s for %s failed: %v", msg.ID, task.participantID, streamErr)
	}
	s.emit(finished)
	return final, streamErr
}

func (s *Scheduler) stream(ctx context.Context, conv *conversation.Conversation, messageID string, req TurnRequest) error {
	body, err := s.streamer.OpenTurn(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()
	// Closing the body is what unblocks a pending read on cancellation.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	acc := stream.NewAccumulator(conv.Log, messageID)
	res, err := stream.Pump(ctx, body, stream.NewDecoder(s.decoder...), acc, func(delta string) {
		s.emit(Event{
			Kind:           EventDelta,
			State:          StateStreaming,
			ConversationID: conv.ID,
			ParticipantID:  req.ParticipantID,
			MessageID:      messageID,
			Delta:          delta,
		})
	})
	if res.Warning != nil {
		s.logger.Printf("orchestrator: stream for %s: %v", messageID, res.Warning)
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Scheduler) acquire(ctx context.Context, conversationID string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[conversationID]; busy {
		return nil, nil, ErrRoundInProgress
	}
	roundCtx, cancel := context.WithCancel(ctx)
	s.active[conversationID] = cancel
	release := func() {
		cancel()
		s.mu.Lock()
		delete(s.active, conversationID)
		s.mu.Unlock()
	}
	return roundCtx, release, nil
}

func (s *Scheduler) emit(evt Event) {
	s.observer.Observe(evt)
}

func selectParticipants(conv *conversation.Conversation, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), conv.ParticipantOrder...), nil
	}
	wanted := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		id = strings.TrimSpace(id)
		if !conv.HasParticipant(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
		}
		wanted[id] = struct{}{}
	}
	selected := make([]string, 0, len(wanted))
	for _, id := range conv.ParticipantOrder {
		if _, ok := wanted[id]; ok {
			selected = append(selected, id)
		}
	}
	return selected, nil
}

func others(order []string, self string) []string {
	out := make([]string, 0, len(order))
	for _, id := range order {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrClosedPipe)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
