// langplay - language practice conversation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/langplay/internal/api"
	"github.com/ashureev/langplay/internal/config"
	"github.com/ashureev/langplay/internal/generation"
	"github.com/ashureev/langplay/internal/identity"
	"github.com/ashureev/langplay/internal/middleware"
	"github.com/ashureev/langplay/internal/session"
	"github.com/ashureev/langplay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"store", cfg.Store.Backend, "provider", cfg.Generation.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	gen, err := generation.New(ctx, cfg.Generation, logger)
	if err != nil {
		slog.Error("Failed to initialize generation provider", "error", err)
		os.Exit(1)
	}
	if c, ok := gen.(generation.Closer); ok {
		defer func() {
			if closeErr := c.Close(); closeErr != nil {
				slog.Warn("Failed to close generation provider", "error", closeErr)
			}
		}()
	}

	// Initialize services.
	registry := session.NewRegistry(repo, gen, session.Options{
		Texts: session.Texts{
			Scenario:         cfg.Session.Scenario,
			FeedbackLanguage: cfg.Session.FeedbackLanguage,
			ClosingMessage:   cfg.Session.ClosingMessage,
		},
		GenerationTimeout: cfg.Generation.Timeout,
		Logger:            logger,
	})
	defer registry.Close()

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	streams := api.NewStreamManager(logger)

	// Initialize handlers.
	handler := api.NewHandler(registry, limiter, streams, logger)
	if cfg.IsDevelopment() {
		handler.SetOriginPatterns([]string{"*"})
	} else {
		handler.SetOriginPatterns(api.OriginHosts(cfg.AllowedOrigins))
	}
	healthHandler := api.NewHealthHandler(repo, registry)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Session routes are scoped to the device cookie.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		handler.Routes(r)
	})

	// Note: generation-backed requests and state streams are long-lived, so
	// there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start eviction worker. Evicted sessions drop their open streams so
	// clients reattach to a fresh session.
	registry.StartEvictionWorker(ctx, cfg.Session.IdleTTL, cfg.Store.Retention, streams.CloseDevice)
	slog.Info("Eviction worker started", "idle_ttl", cfg.Session.IdleTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
