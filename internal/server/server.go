// Package server exposes the council over HTTP. Rounds started through the
// API run in the background; clients follow them over a WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/kingrea/council/internal/advisor"
	"github.com/kingrea/council/internal/bridge"
	"github.com/kingrea/council/internal/conversation"
	"github.com/kingrea/council/internal/council"
	"github.com/kingrea/council/internal/evaluation"
	"github.com/kingrea/council/internal/orchestrator"
)

// ProtocolVersion is reported by /health.
const ProtocolVersion = "1.0.0"

// ServerStatus reports runtime lifecycle states.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("server: disabled")

// Council is the part of council.Service the server drives.
type Council interface {
	Advisors() []advisor.Advisor
	CreateConversation(participants []string, subject string) (*conversation.Conversation, error)
	Conversation(id string) (*conversation.Conversation, error)
	StartMessage(conversationID, text string, participants []string) error
	StartExpand(conversationID, messageID string) error
	Cancel(conversationID string) bool
	Busy(conversationID string) bool
	Subscribe(conversationID string) bridge.Subscription
	Evaluate(ctx context.Context, setID string, subject evaluation.Subject) (evaluation.Evaluation, error)
}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Server wraps the fiber app serving the council API.
type Server struct {
	settings Settings
	council  Council
	logger   Logger
	clock    func() time.Time
	app      *fiber.App

	mu        sync.RWMutex
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// NewServer prepares the routes. Nothing listens until Start.
func NewServer(settings Settings, c Council, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		council:  c,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.app = fiber.New(settings.fiberConfig(s.handleError))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)

	api := s.app.Group("/api")
	api.Get("/advisors", s.handleAdvisors)
	api.Post("/conversations", s.handleCreateConversation)
	api.Get("/conversations/:id", s.handleGetConversation)
	api.Post("/conversations/:id/messages", s.handleSendMessage)
	api.Post("/conversations/:id/expand", s.handleExpand)
	api.Delete("/conversations/:id/round", s.handleCancel)
	api.Post("/evaluations", s.handleEvaluate)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/conversations/:id", websocket.New(s.handleEvents))
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start binds the TCP listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server: already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	s.status = StatusReady
	go func() {
		if err := s.app.Listener(listener); err != nil {
			s.logger.Printf("server: serve error: %v", err)
		}
	}()
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = s.Shutdown(context.Background())
		}()
	}
	s.logger.Printf("server: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	s.status = StatusDraining
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return err
	}
	s.listener = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
	Subject      string   `json:"subject"`
}

type conversationResponse struct {
	ID           string                 `json:"id"`
	Participants []string               `json:"participants"`
	Subject      string                 `json:"subject,omitempty"`
	Busy         bool                   `json:"busy"`
	Messages     []conversation.Message `json:"messages"`
}

type sendMessageRequest struct {
	Text         string   `json:"text"`
	Participants []string `json:"participants"`
}

type expandRequest struct {
	MessageID string `json:"message_id"`
}

type evaluateRequest struct {
	Set       string            `json:"set"`
	SubjectID string            `json:"subject_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
}

type acceptedResponse struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// socketFrame is one WebSocket message: a snapshot on connect, then events.
type socketFrame struct {
	Type     string                 `json:"type"`
	Messages []conversation.Message `json:"messages,omitempty"`
	Event    *orchestrator.Event    `json:"event,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleAdvisors(c *fiber.Ctx) error {
	return c.JSON(s.council.Advisors())
}

func (s *Server) handleCreateConversation(c *fiber.Ctx) error {
	var req createConversationRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	conv, err := s.council.CreateConversation(req.Participants, req.Subject)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(s.describe(conv))
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	conv, err := s.council.Conversation(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(s.describe(conv))
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	id := c.Params("id")
	if err := s.council.StartMessage(id, req.Text, req.Participants); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(acceptedResponse{Status: "accepted", ConversationID: id})
}

func (s *Server) handleExpand(c *fiber.Ctx) error {
	var req expandRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	id := c.Params("id")
	if err := s.council.StartExpand(id, strings.TrimSpace(req.MessageID)); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(acceptedResponse{Status: "accepted", ConversationID: id})
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.council.Conversation(id); err != nil {
		return err
	}
	if !s.council.Cancel(id) {
		return fiber.NewError(fiber.StatusConflict, "no round in progress")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleEvaluate(c *fiber.Ctx) error {
	var req evaluateRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	subjectID := strings.TrimSpace(req.SubjectID)
	if subjectID == "" {
		subjectID = uuid.NewString()
	}
	eval, err := s.council.Evaluate(c.UserContext(), strings.TrimSpace(req.Set), evaluation.Subject{
		ID:       subjectID,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(eval)
}

// handleEvents sends a snapshot of the conversation, then relays scheduler
// events until the client disconnects.
func (s *Server) handleEvents(ws *websocket.Conn) {
	defer func() {
		_ = ws.Close()
	}()
	id := ws.Params("id")
	conv, err := s.council.Conversation(id)
	if err != nil {
		_ = ws.WriteJSON(errorResponse{Error: err.Error()})
		return
	}
	sub := s.council.Subscribe(conv.ID)
	defer sub.Close()
	if err := ws.WriteJSON(socketFrame{Type: "snapshot", Messages: conv.Log.Messages()}); err != nil {
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	var ping <-chan time.Time
	if s.settings.PingInterval > 0 {
		ticker := time.NewTicker(s.settings.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ping:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(socketFrame{Type: "event", Event: &evt}); err != nil {
				s.logger.Printf("server: socket for %s closed: %v", conv.ID, err)
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) describe(conv *conversation.Conversation) conversationResponse {
	return conversationResponse{
		ID:           conv.ID,
		Participants: conv.ParticipantOrder,
		Subject:      conv.SubjectContext,
		Busy:         s.council.Busy(conv.ID),
		Messages:     conv.Log.Messages(),
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Printf("server: %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, council.ErrUnknownConversation),
		errors.Is(err, council.ErrUnknownSet),
		errors.Is(err, conversation.ErrUnknownMessage):
		return fiber.StatusNotFound
	case errors.Is(err, orchestrator.ErrRoundInProgress):
		return fiber.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusBadRequest
	}
}

func parseBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON")
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
