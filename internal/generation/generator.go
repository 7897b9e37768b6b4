// Package generation implements the text generation service used for
// conversation turns and feedback.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/langplay/internal/config"
	"github.com/google/uuid"
)

// ErrEmptyResponse is returned when a provider answers with no choices.
var ErrEmptyResponse = errors.New("provider returned empty text")

// Generator turns a prompt into generated text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Closer is implemented by generators holding connections.
type Closer interface {
	Close() error
}

// New builds the generator selected by cfg.Provider.
func New(ctx context.Context, cfg config.GenerationConfig, logger *slog.Logger) (Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		g   Generator
		err error
	)
	switch cfg.Provider {
	case config.ProviderMock:
		g = NewMock()
	case config.ProviderGemini:
		g, err = NewGemini(ctx, cfg.APIKey, cfg.Model)
	case config.ProviderOpenAI:
		g = NewOpenAI(cfg.APIKey, cfg.Model)
	case config.ProviderGRPC:
		g, err = NewGrpcClient(cfg.GRPCAddr, logger)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Generation provider ready", "provider", cfg.Provider, "model", cfg.Model)
	return WithLogging(g, cfg.Provider, logger), nil
}

// loggingGenerator records every call with a request ID and duration.
// Failures are logged at debug level; callers decide how to report them.
type loggingGenerator struct {
	next     Generator
	provider string
	logger   *slog.Logger
}

// WithLogging wraps g so every call is logged.
func WithLogging(g Generator, provider string, logger *slog.Logger) Generator {
	return &loggingGenerator{next: g, provider: provider, logger: logger}
}

func (l *loggingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	requestID := uuid.NewString()
	start := time.Now()

	text, err := l.next.Generate(ctx, prompt)

	attrs := []any{
		"request_id", requestID,
		"provider", l.provider,
		"prompt_length", len(prompt),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		l.logger.Debug("Generation call failed", append(attrs, "error", err)...)
		return "", err
	}
	l.logger.Info("Generation completed", append(attrs, "response_length", len(text))...)
	return text, nil
}

func (l *loggingGenerator) Close() error {
	if c, ok := l.next.(Closer); ok {
		return c.Close()
	}
	return nil
}
