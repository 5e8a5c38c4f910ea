// Package bridge fans scheduler events out to the clients watching a
// conversation. Each subscriber gets a bounded queue; when a slow client
// falls behind, streaming deltas are dropped before turn and round
// boundaries so a client always learns how a turn ended.
package bridge

import (
	"strings"
	"sync"

	"github.com/kingrea/council/internal/orchestrator"
)

const (
	defaultSubscriberCapacity = 256
	defaultBacklogLimit       = 64
)

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// WithLogger injects a logger for drop diagnostics.
func WithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) RouterOption {
	return func(r *Router) {
		if capacity > 0 {
			r.channelSize = capacity
		}
	}
}

// WithBacklogLimit caps how many events are held for a conversation nobody
// is watching yet.
func WithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// Router delivers orchestrator events keyed by conversation ID. It
// implements orchestrator.Observer and never blocks the publisher.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]orchestrator.Event
	channelSize  int
	backlogLimit int
	logger       Logger
}

// Subscription is an active watch on one conversation.
type Subscription struct {
	Events <-chan orchestrator.Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]orchestrator.Event{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		logger:       nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Subscribe starts watching conversationID. Events published while nobody
// was subscribed are replayed first.
func (r *Router) Subscribe(conversationID string) Subscription {
	key := normalizeKey(conversationID)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []orchestrator.Event
	r.mu.Lock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = map[*subscriber]struct{}{}
	}
	r.subscribers[key][sub] = struct{}{}
	if existing := r.backlog[key]; len(existing) > 0 {
		backlog = existing
		delete(r.backlog, key)
	}
	r.mu.Unlock()
	for _, evt := range backlog {
		sub.deliver(evt)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() { r.removeSubscriber(key, sub) },
	}
}

// Observe implements orchestrator.Observer.
func (r *Router) Observe(evt orchestrator.Event) {
	r.Route(evt)
}

// Route delivers evt to every subscriber of its conversation, or buffers it
// when there are none.
func (r *Router) Route(evt orchestrator.Event) {
	key := normalizeKey(evt.ConversationID)
	if key == "" {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(key)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(key, evt)
		return
	}
	for _, sub := range subs {
		sub.deliver(evt)
	}
}

// Forget drops any backlog held for conversationID.
func (r *Router) Forget(conversationID string) {
	r.mu.Lock()
	delete(r.backlog, normalizeKey(conversationID))
	r.mu.Unlock()
}

// Subscribers reports how many clients watch conversationID.
func (r *Router) Subscribers(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[normalizeKey(conversationID)])
}

func (r *Router) snapshotSubscribers(key string) []*subscriber {
	live := r.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(key string, sub *subscriber) {
	r.mu.Lock()
	if subs := r.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	r.mu.Unlock()
	sub.close()
}

// bufferEvent keeps the backlog bounded. Deltas are evicted before anything
// else since a finished turn carries the full content anyway.
func (r *Router) bufferEvent(key string, evt orchestrator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[key]
	if len(queue) >= r.backlogLimit {
		victim := 0
		for i, queued := range queue {
			if isPreferredDrop(queued) {
				victim = i
				break
			}
		}
		queue = append(queue[:victim], queue[victim+1:]...)
		r.logger.Printf("bridge: backlog drop for %s (limit %d)", key, r.backlogLimit)
	}
	r.backlog[key] = append(queue, evt)
}

func normalizeKey(id string) string {
	return strings.TrimSpace(id)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan orchestrator.Event
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan orchestrator.Event, capacity), logger: logger}
}

func (s *subscriber) channel() <-chan orchestrator.Event {
	return s.ch
}

// deliver never blocks. On overflow it evicts the oldest queued event unless
// that event matters more than the incoming one.
func (s *subscriber) deliver(evt orchestrator.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
		return
	default:
	}
	var oldest orchestrator.Event
	select {
	case oldest = <-s.ch:
	default:
		// reader drained the queue in the meantime
		s.ch <- evt
		return
	}
	if shouldDropOldest(oldest, evt) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- evt
		return
	}
	// Putting oldest back reorders it behind the rest of the queue, which
	// only happens to events that outrank the incoming one.
	s.ch <- oldest
	s.logDrop(evt, "queue overflow:incoming")
}

func (s *subscriber) logDrop(evt orchestrator.Event, reason string) {
	s.logger.Printf("bridge: dropped %s for %s (%s)", evt.Kind, evt.ConversationID, reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming orchestrator.Event) bool {
	oldestCritical := isCritical(oldest)
	incomingCritical := isCritical(incoming)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest)
	incomingPreferred := isPreferredDrop(incoming)
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isCritical(evt orchestrator.Event) bool {
	if evt.Error != "" {
		return true
	}
	return evt.Kind == orchestrator.EventTurnFinished || evt.Kind == orchestrator.EventRoundFinished
}

func isPreferredDrop(evt orchestrator.Event) bool {
	return evt.Kind == orchestrator.EventDelta
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
