// Package api provides HTTP handlers for the langplay API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/langplay/internal/domain"
	"github.com/ashureev/langplay/internal/identity"
	"github.com/ashureev/langplay/internal/session"
	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize caps JSON request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Sessions resolves the live session of a device.
type Sessions interface {
	Get(ctx context.Context, scope string) (*session.Entry, error)
}

// Handler serves the session and auth endpoints.
type Handler struct {
	sessions Sessions
	limiter  *RateLimiter
	streams  *StreamManager
	logger   *slog.Logger

	originPatterns []string
}

// NewHandler creates a Handler. limiter may be nil to disable rate limiting.
func NewHandler(sessions Sessions, limiter *RateLimiter, streams *StreamManager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if streams == nil {
		streams = NewStreamManager(logger)
	}
	return &Handler{
		sessions: sessions,
		limiter:  limiter,
		streams:  streams,
		logger:   logger,
	}
}

// Routes mounts the API on r. Requests must already carry a device ID.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/session/start", h.GetStarted)
		r.Put("/session/input", h.UpdateInput)
		r.Post("/session/end", h.EndConversation)

		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware)
			}
			r.Post("/session/language", h.SelectLanguage)
			r.Post("/session/reply", h.SubmitReply)
			r.Post("/session/continue", h.ContinueConversation)
		})

		r.Post("/auth/sign-in", h.SignIn)
		r.Post("/auth/sign-out", h.SignOut)
	})
	r.Get("/ws/session", h.Stream)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorResponse carries the session state alongside a failure so clients can
// re-render without a second request.
type errorResponse struct {
	Error string              `json:"error"`
	State domain.SessionState `json:"state"`
}

func (h *Handler) entry(w http.ResponseWriter, r *http.Request) (*session.Entry, bool) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		Error(w, http.StatusUnauthorized, "missing device")
		return nil, false
	}
	e, err := h.sessions.Get(r.Context(), deviceID)
	if err != nil {
		h.logger.Error("Failed to load session", "error", err, "device_id", deviceID)
		Error(w, http.StatusInternalServerError, "session unavailable")
		return nil, false
	}
	return e, true
}

// writeResult maps an operation outcome to a response carrying the current state.
func (h *Handler) writeResult(w http.ResponseWriter, e *session.Entry, err error) {
	state := e.Session.Snapshot()
	if err == nil {
		JSON(w, http.StatusOK, state)
		return
	}

	var genErr *domain.GenerationError
	switch {
	case errors.Is(err, domain.ErrValidation):
		JSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), State: state})
	case errors.As(err, &genErr):
		JSON(w, http.StatusBadGateway, errorResponse{Error: session.GenerationFailedMessage, State: state})
	default:
		h.logger.Error("Session operation failed", "error", err)
		JSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", State: state})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}
