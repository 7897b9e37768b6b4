package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/langplay/internal/config"
	"github.com/ashureev/langplay/internal/generation"
	"github.com/ashureev/langplay/internal/identity"
	"github.com/ashureev/langplay/internal/session"
	"github.com/ashureev/langplay/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	profile string
	verbose bool
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "langplay",
		Short:         "Practice a foreign language through role-play conversations",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "default", "Profile name; each profile keeps its own session")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(newPlayCommand())
	rootCmd.AddCommand(newTranscriptCommand())
	rootCmd.AddCommand(newResetCommand())
	return rootCmd
}

// profileScope is the persistence scope of a CLI profile.
func profileScope(name string) string {
	return "cli:" + name
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// environment is everything a command needs to drive a session.
type environment struct {
	cfg    *config.Config
	repo   store.Repository
	logger *slog.Logger
}

func loadEnvironment(ctx context.Context) (*environment, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	repo, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &environment{cfg: cfg, repo: repo, logger: newLogger()}, nil
}

func (e *environment) Close() {
	if err := e.repo.Close(); err != nil {
		e.logger.Warn("Failed to close store", "error", err)
	}
}

// openSession builds and starts the orchestrator of the active profile.
func (e *environment) openSession(ctx context.Context) (*session.Orchestrator, *identity.LocalProvider, func(), error) {
	gen, err := generation.New(ctx, e.cfg.Generation, e.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	kv := store.NewScoped(e.repo, profileScope(profile))
	ids := identity.NewLocalProvider(kv, e.logger)
	orch := session.New(gen, ids, kv, session.Options{
		Texts: session.Texts{
			Scenario:         e.cfg.Session.Scenario,
			FeedbackLanguage: e.cfg.Session.FeedbackLanguage,
			ClosingMessage:   e.cfg.Session.ClosingMessage,
		},
		GenerationTimeout: e.cfg.Generation.Timeout,
		Logger:            e.logger,
	})
	if err := orch.Start(ctx); err != nil {
		orch.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		orch.Close()
		if c, ok := gen.(generation.Closer); ok {
			_ = c.Close()
		}
	}
	return orch, ids, cleanup, nil
}
