package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kingrea/council/internal/server"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	_ = fs.Parse(args)

	rt, err := setup(*projectDir)
	if err != nil {
		die("%v", err)
	}
	defer rt.Close()

	settings := server.SettingsFromConfig(rt.cfg)
	if !settings.Enabled {
		die("server is disabled in %s (or COUNCIL_SERVER_ENABLED)", rt.cfg.ProjectConfigPath())
	}
	srv := server.NewServer(settings, rt.service, server.WithLogger(rt.logger.With("server")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		die("start server: %v", err)
	}
	fmt.Printf("Council listening on %s\n", srv.BaseURL())
	<-ctx.Done()
	fmt.Println("Shutting down...")
	if err := srv.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}
