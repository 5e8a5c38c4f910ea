// cmd/council/main.go
//
// This is the entry point for the council CLI.
// Run `council` from a project directory to chat with the advisors in the
// terminal. Other subcommands:
//
//   council serve              HTTP + WebSocket API
//   council evaluate [text]    score a piece of content against a criteria set
//   council validate-rater F   check a rater plugin definition
//
// Every command initialises .council/ in the working directory first.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/council/internal/config"
	"github.com/kingrea/council/internal/council"
	"github.com/kingrea/council/internal/logging"
	"github.com/kingrea/council/internal/tui"
)

func main() {
	if handleValidateRaterCommand() {
		return
	}
	command := "chat"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "chat":
		runChat(args)
	case "serve":
		runServe(args)
	case "evaluate":
		runEvaluate(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", command)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: council [chat|serve|evaluate|validate-rater] [flags]")
}

// session bundles what every command needs.
type session struct {
	cfg     *config.Config
	logger  *logging.Logger
	service *council.Service
}

func (r *session) Close() {
	if r.service != nil {
		r.service.Wait()
	}
	_ = r.logger.Close()
}

// setup initialises .council/ in projectDir and builds the service.
func setup(projectDir string) (*session, error) {
	if projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		projectDir = cwd
	}
	absolute, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitCouncilDir(absolute); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.CouncilDir, err)
	}
	cfg, err := config.NewConfig(absolute)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(absolute)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		logger.Printf("council: %s is not set; requests go out without an Authorization header", cfg.Project.Model.APIKeyEnv)
	}
	service, err := council.New(cfg, council.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, service: service}, nil
}

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	subject := fs.String("subject", "", "idea the council should discuss")
	resume := fs.String("resume", "", "conversation ID to resume from the cache")
	var advisors listFlag
	fs.Var(&advisors, "advisor", "advisor ID to seat (repeatable, defaults to everyone)")
	_ = fs.Parse(args)

	rt, err := setup(*projectDir)
	if err != nil {
		die("%v", err)
	}
	defer rt.Close()

	opts := []tui.AppOption{tui.WithSubject(*subject), tui.WithParticipants(advisors...)}
	if *resume != "" {
		opts = append(opts, tui.WithConversationID(*resume))
	}
	app, err := tui.NewApp(rt.service, opts...)
	if err != nil {
		die("open conversation: %v", err)
	}
	defer app.Close()

	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		die("run TUI: %v", err)
	}
	rt.service.Cancel(app.ConversationID())
	fmt.Printf("Conversation %s saved. Resume with: council chat --resume %s\n", app.ConversationID(), app.ConversationID())
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("metadata key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = val
	return nil
}
