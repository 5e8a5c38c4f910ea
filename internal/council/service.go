// Package council wires the orchestration core into one service used by the
// HTTP server and the terminal client. It owns the live conversations, the
// criteria sets, and the history cache.
package council

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/council/internal/advisor"
	"github.com/kingrea/council/internal/bridge"
	"github.com/kingrea/council/internal/cache"
	"github.com/kingrea/council/internal/config"
	"github.com/kingrea/council/internal/conversation"
	"github.com/kingrea/council/internal/evaluation"
	"github.com/kingrea/council/internal/logbook"
	"github.com/kingrea/council/internal/orchestrator"
	"github.com/kingrea/council/internal/provider"
	"github.com/kingrea/council/internal/retry"
	"github.com/kingrea/council/internal/tokens"
	"github.com/kingrea/council/plugins"
)

var (
	// ErrUnknownConversation is returned for IDs the service has never seen
	// and cannot restore from the cache.
	ErrUnknownConversation = errors.New("council: unknown conversation")
	// ErrUnknownSet is returned when evaluating against an undeclared set.
	ErrUnknownSet = errors.New("council: unknown criteria set")
)

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes a Service.
type Option func(*options)

type options struct {
	streamer  orchestrator.Streamer
	completer evaluation.Completer
	logger    Logger
	logbook   *logbook.Logbook
	store     cache.Store
	schedOpts []orchestrator.Option
}

// WithStreamer replaces the model-backed advisor streamer.
func WithStreamer(s orchestrator.Streamer) Option {
	return func(o *options) {
		if s != nil {
			o.streamer = s
		}
	}
}

// WithCompleter replaces the client used by model raters.
func WithCompleter(c evaluation.Completer) Option {
	return func(o *options) {
		if c != nil {
			o.completer = c
		}
	}
}

// WithLogger injects the diagnostic logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogbook overrides the activity journal.
func WithLogbook(b *logbook.Logbook) Option {
	return func(o *options) {
		if b != nil {
			o.logbook = b
		}
	}
}

// WithStore overrides the history cache.
func WithStore(s cache.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithSchedulerOptions appends scheduler options, e.g. a test sleep hook.
func WithSchedulerOptions(opts ...orchestrator.Option) Option {
	return func(o *options) {
		o.schedOpts = append(o.schedOpts, opts...)
	}
}

// Service is safe for concurrent use.
type Service struct {
	roster     *advisor.Roster
	scheduler  *orchestrator.Scheduler
	router     *bridge.Router
	dispatcher *evaluation.Dispatcher
	sets       map[string]*evaluation.Set
	store      cache.Store
	book       *logbook.Logbook
	logger     Logger

	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	rounds        sync.WaitGroup
}

// New builds the service from cfg.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("council: config is required")
	}
	o := options{logger: nopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	roster, err := advisor.NewRoster(cfg.Project.Advisors)
	if err != nil {
		return nil, fmt.Errorf("council: %w", err)
	}

	var client *provider.Client
	if o.streamer == nil || o.completer == nil {
		client, err = newClient(cfg, o.logger)
		if err != nil {
			return nil, err
		}
	}
	if o.streamer == nil {
		budget := tokens.Budget{Counter: newCounter(o.logger), Limit: cfg.Project.Model.ContextTokens}
		o.streamer, err = advisor.NewStreamer(roster, client, budget)
		if err != nil {
			return nil, fmt.Errorf("council: %w", err)
		}
	}
	if o.completer == nil {
		o.completer = client
	}

	if o.logbook == nil {
		o.logbook, err = logbook.New(cfg.LogbookPath())
		if err != nil {
			return nil, err
		}
	}
	if o.store == nil {
		o.store, err = cache.NewFileStore(cfg.CacheDir(), cache.WithTTL(cfg.Project.Cache.TTL))
		if err != nil {
			return nil, err
		}
	}

	router := bridge.NewRouter(bridge.WithLogger(o.logger))
	schedOpts := append([]orchestrator.Option{
		orchestrator.WithObserver(router),
		orchestrator.WithLogger(o.logger),
		orchestrator.WithPacing(cfg.Project.Rounds.Pacing),
	}, o.schedOpts...)
	scheduler, err := orchestrator.New(o.streamer, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("council: %w", err)
	}

	registry, err := newRegistry(cfg, o.completer, o.logger)
	if err != nil {
		return nil, err
	}
	sets, err := buildSets(cfg.Project.Evaluation.Sets, registry)
	if err != nil {
		return nil, err
	}

	return &Service{
		roster:    roster,
		scheduler: scheduler,
		router:    router,
		dispatcher: evaluation.NewDispatcher(
			evaluation.WithCriterionTimeout(cfg.Project.Evaluation.Timeout),
			evaluation.WithDispatcherLogger(o.logger),
		),
		sets:          sets,
		store:         o.store,
		book:          o.logbook,
		logger:        o.logger,
		conversations: map[string]*conversation.Conversation{},
	}, nil
}

func newClient(cfg *config.Config, logger Logger) (*provider.Client, error) {
	model := cfg.Project.Model
	rounds := cfg.Project.Rounds.Retry
	client, err := provider.New(provider.Settings{
		BaseURL:   model.BaseURL,
		APIKey:    cfg.APIKey,
		Model:     model.Name,
		MaxTokens: model.MaxTokens,
		Timeout:   model.Timeout,
		Retry: retry.Policy{
			MaxAttempts: rounds.MaxAttempts,
			BaseDelay:   rounds.BaseDelay,
			MaxDelay:    rounds.MaxDelay,
		},
	}, provider.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("council: %w", err)
	}
	return client, nil
}

func newCounter(logger Logger) tokens.Counter {
	counter, err := tokens.NewTiktoken("")
	if err != nil {
		logger.Printf("council: token tables unavailable, estimating: %v", err)
		return tokens.Approx{}
	}
	return counter
}

func newRegistry(cfg *config.Config, completer evaluation.Completer, logger Logger) (*evaluation.Registry, error) {
	registry := evaluation.NewRegistry()
	registry.MustRegister(evaluation.KindModel, evaluation.ModelFactory(completer))
	registry.MustRegister(plugins.KindScript, plugins.ScriptFactory(cfg.ProjectDir))
	ids, err := plugins.RegisterRaterPlugins(registry, cfg.RatersDir(), completer)
	if err != nil {
		return nil, fmt.Errorf("council: load raters: %w", err)
	}
	if len(ids) > 0 {
		logger.Printf("council: loaded raters %s", strings.Join(ids, ", "))
	}
	return registry, nil
}

func buildSets(configs []config.CriteriaSetConfig, registry *evaluation.Registry) (map[string]*evaluation.Set, error) {
	sets := make(map[string]*evaluation.Set, len(configs))
	for _, sc := range configs {
		criteria := make([]evaluation.Criterion, 0, len(sc.Criteria))
		for _, cc := range sc.Criteria {
			kind := strings.TrimSpace(cc.Kind)
			if kind == "" {
				kind = evaluation.KindModel
			}
			rater, err := registry.Resolve(evaluation.Spec{
				Kind:         kind,
				CriterionKey: cc.Key,
				Prompt:       cc.Prompt,
				Script:       cc.Script,
				Options:      cc.Options,
			})
			if err != nil {
				return nil, fmt.Errorf("council: set %s criterion %s: %w", sc.ID, cc.Key, err)
			}
			criteria = append(criteria, evaluation.Criterion{
				Key:         cc.Key,
				Weight:      cc.Weight,
				Prompt:      cc.Prompt,
				EvaluatorID: kind,
				Evaluator:   rater,
			})
		}
		scale := evaluation.Scale{Min: sc.Scale.Min, Max: sc.Scale.Max, Fallback: sc.Scale.Fallback}
		set, err := evaluation.NewSet(sc.ID, scale, criteria, sc.Tiers)
		if err != nil {
			return nil, fmt.Errorf("council: %w", err)
		}
		sets[set.ID] = set
	}
	return sets, nil
}

// Advisors returns the roster in order.
func (s *Service) Advisors() []advisor.Advisor {
	return s.roster.All()
}

// Sets returns the declared criteria set IDs, sorted.
func (s *Service) Sets() []string {
	ids := make([]string, 0, len(s.sets))
	for id := range s.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Logbook exposes the activity journal.
func (s *Service) Logbook() *logbook.Logbook {
	return s.book
}

// CreateConversation starts a conversation with participants in the given
// order. An empty list seats the whole roster.
func (s *Service) CreateConversation(participants []string, subject string) (*conversation.Conversation, error) {
	if len(participants) == 0 {
		participants = s.roster.IDs()
	}
	for _, id := range participants {
		if _, ok := s.roster.Get(strings.TrimSpace(id)); !ok {
			return nil, fmt.Errorf("council: %w: %s", orchestrator.ErrUnknownParticipant, id)
		}
	}
	conv, err := conversation.New(participants, subject)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	s.book.Info("conversation %s opened with %s", conv.ID, strings.Join(conv.ParticipantOrder, ", "))
	return conv, nil
}

// Conversation returns a live conversation, restoring it from the cache when
// it is not in memory.
func (s *Service) Conversation(id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()
	if ok {
		return conv, nil
	}
	return s.restore(id)
}

// restore rebuilds a conversation from its cached history. The group key is
// tried first, then each advisor's solo key.
func (s *Service) restore(id string) (*conversation.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrUnknownConversation
	}
	keys := []cache.Key{{ConversationID: id}}
	for _, advisorID := range s.roster.IDs() {
		keys = append(keys, cache.Key{ConversationID: id, ParticipantID: advisorID})
	}
	for _, key := range keys {
		messages, ok, err := s.store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("council: restore %s: %w", id, err)
		}
		if !ok {
			continue
		}
		participants := []string{key.ParticipantID}
		if key.ParticipantID == "" {
			participants = s.participantsOf(messages)
		}
		conv, err := conversation.New(participants, "")
		if err != nil {
			return nil, err
		}
		conv.ID = id
		if err := conv.Log.Restore(messages); err != nil {
			return nil, fmt.Errorf("council: restore %s: %w", id, err)
		}
		s.mu.Lock()
		if existing, ok := s.conversations[id]; ok {
			s.mu.Unlock()
			return existing, nil
		}
		s.conversations[id] = conv
		s.mu.Unlock()
		s.book.Info("conversation %s restored from cache (%d messages)", id, len(messages))
		return conv, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
}

// participantsOf keeps roster order for advisors that spoke; if none did the
// whole roster is seated.
func (s *Service) participantsOf(messages []conversation.Message) []string {
	spoke := map[string]bool{}
	for _, m := range messages {
		if m.Role == conversation.RoleAgent {
			spoke[m.ParticipantID] = true
		}
	}
	var order []string
	for _, id := range s.roster.IDs() {
		if spoke[id] {
			order = append(order, id)
		}
	}
	if len(order) == 0 {
		return s.roster.IDs()
	}
	return order
}

// SendMessage runs a full round and waits for it.
func (s *Service) SendMessage(ctx context.Context, conversationID, text string, participants []string) (orchestrator.RoundResult, error) {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return orchestrator.RoundResult{}, err
	}
	result, err := s.scheduler.RunRound(ctx, conv, orchestrator.RoundRequest{UserText: text, Participants: participants})
	s.afterRound(conv, "round", result, err)
	return result, err
}

// StartMessage validates the request and claims the conversation's round
// slot, then runs the round in the background. Progress is published to
// subscribers of the conversation.
func (s *Service) StartMessage(conversationID, text string, participants []string) error {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return err
	}
	run, err := s.scheduler.PrepareRound(context.Background(), conv, orchestrator.RoundRequest{UserText: text, Participants: participants})
	if err != nil {
		return fmt.Errorf("council: %w", err)
	}
	s.background(conv, "round", run)
	return nil
}

// Expand asks the author of messageID to elaborate, and waits for it.
func (s *Service) Expand(ctx context.Context, conversationID, messageID string) (orchestrator.RoundResult, error) {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return orchestrator.RoundResult{}, err
	}
	result, err := s.scheduler.Expand(ctx, conv, messageID)
	s.afterRound(conv, "expand", result, err)
	return result, err
}

// StartExpand is the background form of Expand.
func (s *Service) StartExpand(conversationID, messageID string) error {
	conv, err := s.Conversation(conversationID)
	if err != nil {
		return err
	}
	run, err := s.scheduler.PrepareExpand(context.Background(), conv, messageID)
	if err != nil {
		return fmt.Errorf("council: %w", err)
	}
	s.background(conv, "expand", run)
	return nil
}

// background runs a round whose slot is already held.
func (s *Service) background(conv *conversation.Conversation, label string, run orchestrator.RoundFunc) {
	s.rounds.Add(1)
	go func() {
		defer s.rounds.Done()
		result, err := run()
		s.afterRound(conv, label, result, err)
	}()
}

// Cancel stops the round in flight for conversationID.
func (s *Service) Cancel(conversationID string) bool {
	return s.scheduler.Cancel(conversationID)
}

// Busy reports whether a round is running.
func (s *Service) Busy(conversationID string) bool {
	return s.scheduler.Busy(conversationID)
}

// Wait blocks until every background round has finished.
func (s *Service) Wait() {
	s.rounds.Wait()
}

// Subscribe streams scheduler events for conversationID.
func (s *Service) Subscribe(conversationID string) bridge.Subscription {
	return s.router.Subscribe(conversationID)
}

func (s *Service) afterRound(conv *conversation.Conversation, label string, result orchestrator.RoundResult, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrRoundInProgress):
		s.book.Warn("%s for %s rejected: another round is running", label, conv.ID)
		return
	case err != nil && result.ConversationID == "":
		s.book.Error("%s for %s failed to start: %v", label, conv.ID, err)
		return
	case err != nil:
		s.book.Error("%s for %s stopped: %v", label, conv.ID, err)
	case result.Cancelled:
		s.book.Warn("%s for %s cancelled after %d replies", label, conv.ID, len(result.Messages))
	default:
		s.book.Info("%s for %s finished: %d replies, %d failures", label, conv.ID, len(result.Messages), len(result.Failures))
	}
	for _, failure := range result.Failures {
		s.book.Warn("%s could not answer: %v", failure.ParticipantID, failure.Err)
	}
	if err := s.store.Set(cacheKey(conv), conv.Log.Messages()); err != nil {
		s.logger.Printf("council: cache %s: %v", conv.ID, err)
	}
}

// cacheKey uses the advisor's own key for one-on-one chats and the group key
// otherwise.
func cacheKey(conv *conversation.Conversation) cache.Key {
	key := cache.Key{ConversationID: conv.ID}
	if len(conv.ParticipantOrder) == 1 {
		key.ParticipantID = conv.ParticipantOrder[0]
	}
	return key
}

// Evaluate scores subject against the named criteria set.
func (s *Service) Evaluate(ctx context.Context, setID string, subject evaluation.Subject) (evaluation.Evaluation, error) {
	set, ok := s.sets[setID]
	if !ok {
		return evaluation.Evaluation{}, fmt.Errorf("%w: %s", ErrUnknownSet, setID)
	}
	if strings.TrimSpace(subject.Content) == "" {
		return evaluation.Evaluation{}, fmt.Errorf("council: subject content is required")
	}
	eval, err := s.dispatcher.Run(ctx, subject, set)
	if err != nil {
		return evaluation.Evaluation{}, err
	}
	if eval.Degraded {
		s.book.Warn("%s scored %.2f on %s (%s) with failed criteria", subject.ID, eval.OverallScore, setID, eval.Tier)
	} else {
		s.book.Info("%s scored %.2f on %s (%s)", subject.ID, eval.OverallScore, setID, eval.Tier)
	}
	return eval, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
