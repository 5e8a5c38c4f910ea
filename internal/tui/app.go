// internal/tui/app.go
//
// This is the terminal chat client for the council. It uses bubbletea, which
// follows The Elm Architecture:
//
// 1. Model: the open conversation, the input line and the transcript viewport
// 2. Update: keys, scheduler events and finished evaluations become new state
// 3. View: renders the transcript, status line and activity log
//
// Rounds run in the council service; the client only subscribes to their
// events and redraws the transcript from the conversation log.

package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/council/internal/advisor"
	"github.com/kingrea/council/internal/bridge"
	"github.com/kingrea/council/internal/conversation"
	"github.com/kingrea/council/internal/evaluation"
	"github.com/kingrea/council/internal/logbook"
	"github.com/kingrea/council/internal/orchestrator"
	"github.com/kingrea/council/internal/provider"
)

const (
	ideaSet     = "idea"
	researchSet = "research"

	evaluationTimeout = 2 * time.Minute
	logPanelLines     = 4
)

const helpText = "Type to talk to the council · /score [text] · /research <text> · /expand [n] · /cancel · /quit"

// Chat is the part of council.Service the client drives.
type Chat interface {
	Advisors() []advisor.Advisor
	CreateConversation(participants []string, subject string) (*conversation.Conversation, error)
	Conversation(id string) (*conversation.Conversation, error)
	StartMessage(conversationID, text string, participants []string) error
	StartExpand(conversationID, messageID string) error
	Cancel(conversationID string) bool
	Busy(conversationID string) bool
	Subscribe(conversationID string) bridge.Subscription
	Evaluate(ctx context.Context, setID string, subject evaluation.Subject) (evaluation.Evaluation, error)
	Logbook() *logbook.Logbook
}

// AppOption customizes App construction.
type AppOption func(*App)

// WithParticipants seats a subset of the roster in a new conversation.
func WithParticipants(ids ...string) AppOption {
	return func(a *App) {
		a.participants = append(a.participants, ids...)
	}
}

// WithSubject sets the idea every advisor reasons about.
func WithSubject(subject string) AppOption {
	return func(a *App) {
		a.subject = strings.TrimSpace(subject)
	}
}

// WithConversationID resumes an existing or cached conversation.
func WithConversationID(id string) AppOption {
	return func(a *App) {
		a.resumeID = strings.TrimSpace(id)
	}
}

type roundEventMsg struct {
	event orchestrator.Event
}

type subscriptionClosedMsg struct{}

type evaluationDoneMsg struct {
	setID string
	eval  evaluation.Evaluation
	err   error
}

// App is the main application model.
type App struct {
	chat         Chat
	conv         *conversation.Conversation
	sub          bridge.Subscription
	names        map[string]string
	colors       map[string]lipgloss.Color
	participants []string
	subject      string
	resumeID     string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	busy       bool
	evaluating bool
	statusMsg  string
	lastScore  *evaluation.Evaluation

	width  int
	height int
}

// NewApp opens (or resumes) a conversation and subscribes to its events.
func NewApp(chat Chat, opts ...AppOption) (*App, error) {
	if chat == nil {
		return nil, fmt.Errorf("tui: council is required")
	}
	a := &App{
		chat:   chat,
		names:  map[string]string{},
		colors: map[string]lipgloss.Color{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	for _, adv := range chat.Advisors() {
		a.names[adv.ID] = adv.Name
		if adv.Color != "" {
			a.colors[adv.ID] = lipgloss.Color(adv.Color)
		}
	}

	var err error
	if a.resumeID != "" {
		a.conv, err = chat.Conversation(a.resumeID)
	} else {
		a.conv, err = chat.CreateConversation(a.participants, a.subject)
	}
	if err != nil {
		return nil, err
	}
	a.sub = chat.Subscribe(a.conv.ID)

	a.input = textinput.New()
	a.input.Placeholder = "Ask the council..."
	a.input.Prompt = "› "
	a.input.CharLimit = 4000
	a.input.Focus()

	a.viewport = viewport.New(80, 20)
	a.spinner = spinner.New()
	a.spinner.Spinner = spinner.Dot
	a.statusMsg = helpText
	a.busy = chat.Busy(a.conv.ID)
	a.refreshTranscript()
	return a, nil
}

// ConversationID returns the open conversation.
func (a *App) ConversationID() string {
	return a.conv.ID
}

// Close releases the event subscription.
func (a *App) Close() {
	a.sub.Close()
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.spinner.Tick, a.listen())
}

// listen waits for the next scheduler event.
func (a *App) listen() tea.Cmd {
	events := a.sub.Events
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return subscriptionClosedMsg{}
		}
		return roundEventMsg{event: evt}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = max(20, msg.Width-6)
		a.viewport.Width = max(20, msg.Width-4)
		a.viewport.Height = max(5, msg.Height-logPanelLines-10)
		a.refreshTranscript()
		return a, nil

	case roundEventMsg:
		a.handleEvent(msg.event)
		return a, a.listen()

	case subscriptionClosedMsg:
		return a, nil

	case evaluationDoneMsg:
		a.evaluating = false
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Scoring failed: %v", msg.err)
			return a, nil
		}
		eval := msg.eval
		a.lastScore = &eval
		a.statusMsg = fmt.Sprintf("%s score: %.2f (%s)", msg.setID, eval.OverallScore, eval.Tier)
		if eval.Degraded {
			a.statusMsg += " · some raters failed"
		}
		a.refreshTranscript()
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit
		case "esc":
			return a.cancelRound()
		case "enter":
			line := strings.TrimSpace(a.input.Value())
			a.input.Reset()
			if line == "" {
				return a, nil
			}
			return a.submit(line)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			a.viewport, cmd = a.viewport.Update(msg)
			return a, cmd
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// submit dispatches a slash command or sends line to the council.
func (a *App) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		if err := a.chat.StartMessage(a.conv.ID, line, nil); err != nil {
			a.statusMsg = describeError(err)
			return a, nil
		}
		a.busy = true
		a.statusMsg = "The council is thinking..."
		a.refreshTranscript()
		return a, nil
	}
	command, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(command) {
	case "quit", "exit", "q":
		return a, tea.Quit
	case "cancel":
		return a.cancelRound()
	case "score":
		if arg == "" {
			arg = a.conv.SubjectContext
		}
		return a.evaluate(ideaSet, arg)
	case "research":
		return a.evaluate(researchSet, arg)
	case "expand":
		return a.expand(arg)
	case "help":
		a.statusMsg = helpText
		return a, nil
	default:
		a.statusMsg = fmt.Sprintf("Unknown command /%s. %s", command, helpText)
		return a, nil
	}
}

func (a *App) cancelRound() (tea.Model, tea.Cmd) {
	if a.chat.Cancel(a.conv.ID) {
		a.statusMsg = "Cancelling the current round..."
	} else {
		a.statusMsg = "Nothing to cancel."
	}
	return a, nil
}

func (a *App) evaluate(setID, content string) (tea.Model, tea.Cmd) {
	if strings.TrimSpace(content) == "" {
		a.statusMsg = fmt.Sprintf("Nothing to score. Try /%s <text>.", commandFor(setID))
		return a, nil
	}
	if a.evaluating {
		a.statusMsg = "Already scoring, hang on."
		return a, nil
	}
	a.evaluating = true
	a.statusMsg = fmt.Sprintf("Scoring against %s...", setID)
	chat := a.chat
	subject := evaluation.Subject{
		ID:       a.conv.ID,
		Content:  content,
		Metadata: map[string]string{"source": "chat"},
	}
	return a, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), evaluationTimeout)
		defer cancel()
		eval, err := chat.Evaluate(ctx, setID, subject)
		return evaluationDoneMsg{setID: setID, eval: eval, err: err}
	}
}

// expand targets the nth advisor reply, counting from 1; without an argument
// the latest reply is used.
func (a *App) expand(arg string) (tea.Model, tea.Cmd) {
	replies := a.advisorReplies()
	if len(replies) == 0 {
		a.statusMsg = "No advisor replies to expand yet."
		return a, nil
	}
	target := replies[len(replies)-1]
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(replies) {
			a.statusMsg = fmt.Sprintf("Pick a reply between 1 and %d.", len(replies))
			return a, nil
		}
		target = replies[n-1]
	}
	if err := a.chat.StartExpand(a.conv.ID, target.ID); err != nil {
		a.statusMsg = describeError(err)
		return a, nil
	}
	a.busy = true
	a.statusMsg = fmt.Sprintf("%s is expanding...", a.displayName(target.ParticipantID))
	return a, nil
}

func (a *App) advisorReplies() []conversation.Message {
	var replies []conversation.Message
	for _, m := range a.conv.Log.Messages() {
		if m.Role == conversation.RoleAgent && m.IsFinal {
			replies = append(replies, m)
		}
	}
	return replies
}

func (a *App) handleEvent(evt orchestrator.Event) {
	switch evt.Kind {
	case orchestrator.EventRoundStarted:
		a.busy = true
	case orchestrator.EventTurnStarted:
		a.statusMsg = fmt.Sprintf("%s is typing...", a.displayName(evt.ParticipantID))
	case orchestrator.EventTurnFinished:
		if evt.Outcome == conversation.OutcomeFailed {
			a.statusMsg = fmt.Sprintf("%s could not answer.", a.displayName(evt.ParticipantID))
		}
	case orchestrator.EventRoundFinished:
		a.busy = false
		switch {
		case evt.Err != nil:
			a.statusMsg = describeError(evt.Err)
		case evt.Error != "":
			a.statusMsg = evt.Error
		default:
			a.statusMsg = helpText
		}
	}
	a.refreshTranscript()
}

func (a *App) refreshTranscript() {
	atBottom := a.viewport.AtBottom()
	a.viewport.SetContent(a.renderTranscript(max(20, a.viewport.Width)))
	if atBottom || a.busy {
		a.viewport.GotoBottom()
	}
}

func (a *App) renderTranscript(width int) string {
	messages := a.conv.Log.Messages()
	body := lipgloss.NewStyle().Width(width)
	var blocks []string
	if len(messages) == 0 {
		intro := "The council is listening."
		if a.conv.SubjectContext != "" {
			intro = fmt.Sprintf("The council is ready to discuss: %s", a.conv.SubjectContext)
		}
		blocks = append(blocks, lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render(intro))
	}
	reply := 0
	for _, m := range messages {
		var head string
		if m.Role == conversation.RoleUser {
			head = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Render("You")
		} else {
			head = lipgloss.NewStyle().Bold(true).Foreground(a.colorFor(m.ParticipantID)).Render(a.displayName(m.ParticipantID))
			if m.IsFinal {
				reply++
				head += lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).Render(fmt.Sprintf(" #%d", reply))
			}
		}
		content := m.Content
		switch {
		case !m.IsFinal:
			content += " " + a.spinner.View()
		case m.Outcome == conversation.OutcomeInterrupted:
			content += lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render(" (interrupted)")
		case m.Outcome == conversation.OutcomeFailed:
			content = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Render(content)
		}
		blocks = append(blocks, head+"\n"+body.Render(content))
	}
	if a.lastScore != nil {
		blocks = append(blocks, a.renderScore(*a.lastScore))
	}
	return strings.Join(blocks, "\n\n")
}

func (a *App) renderScore(eval evaluation.Evaluation) string {
	lines := []string{fmt.Sprintf("%s · %.2f · %s", strings.ToUpper(eval.SetID), eval.OverallScore, eval.Tier)}
	for _, key := range sortedKeys(eval.Criteria) {
		result := eval.Criteria[key]
		line := fmt.Sprintf("  %-14s %5.1f", key, result.Score)
		if result.Failed {
			line += "  (fallback)"
		} else if result.Rationale != "" {
			line += "  " + result.Rationale
		}
		lines = append(lines, line)
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#5B8DEF")).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}

// View renders the whole screen.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render("⬡ COUNCIL")
	if names := a.seated(); names != "" {
		header += lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("  " + names)
	}
	transcript := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(a.viewport.View())
	status := a.statusMsg
	if a.busy || a.evaluating {
		status = a.spinner.View() + " " + status
	}
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render(status)
	sections := []string{header, transcript, a.input.View(), footer}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	return strings.Join(sections, "\n")
}

func (a *App) renderLogPanel() string {
	book := a.chat.Logbook()
	if book == nil {
		return ""
	}
	lines, total := book.Tail(logPanelLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(book.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s · %d entries", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return fmt.Sprintf("%s\n%s", head, body)
}

func (a *App) seated() string {
	names := make([]string, 0, len(a.conv.ParticipantOrder))
	for _, id := range a.conv.ParticipantOrder {
		names = append(names, lipgloss.NewStyle().Foreground(a.colorFor(id)).Render(a.displayName(id)))
	}
	return strings.Join(names, " · ")
}

func (a *App) displayName(id string) string {
	if name := a.names[id]; name != "" {
		return name
	}
	return id
}

func (a *App) colorFor(id string) lipgloss.Color {
	if c, ok := a.colors[id]; ok {
		return c
	}
	return lipgloss.Color("#5B8DEF")
}

func describeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, orchestrator.ErrRoundInProgress):
		return "The council is still answering. Wait for it or /cancel."
	case provider.UserVisible(err):
		return provider.UserMessage(err)
	default:
		return err.Error()
	}
}

func commandFor(setID string) string {
	if setID == ideaSet {
		return "score"
	}
	return setID
}

func sortedKeys(m map[string]evaluation.CriterionResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
