package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/highscore-gateway/internal/domain"
	"github.com/highscore-gateway/internal/service"
	"github.com/highscore-gateway/internal/websocket"
)

// ScoreService runs the signed game-facing operations
type ScoreService interface {
	GetScores(ctx context.Context, body string, limit int) (*service.Scores, error)
	SubmitScore(ctx context.Context, body string) (domain.HighscoreEntry, error)
}

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the game-facing API
type Handler struct {
	service      ScoreService
	hub          *websocket.Hub
	store        Pinger
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewHandler creates a new HTTP handler. A nil hub disables the live feed.
func NewHandler(svc ScoreService, hub *websocket.Hub, store Pinger, maxBodyBytes int64, logger *slog.Logger) *Handler {
	return &Handler{
		service:      svc,
		hub:          hub,
		store:        store,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// ErrorResponse is the body of every failed request. The reason never says
// which check failed.
type ErrorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ScoresResponse is the body of a successful score listing
type ScoresResponse struct {
	Status string      `json:"status"`
	Scores []domain.ListedScore `json:"scores"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	if h.hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	// Game-facing routes
	r.Group(func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Route("/tables/scores", func(r chi.Router) {
			r.Get("/", h.GetScores)
			r.Post("/new", h.SubmitScore)
			r.Options("/", preflight)
			r.Options("/new", preflight)
		})
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeError writes an opaque error response for err
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	h.writeJSON(w, status, ErrorResponse{
		Status: "error",
		Reason: http.StatusText(status),
	})
}

// statusFor maps the rejection taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case domain.IsClientError(err):
		return http.StatusBadRequest
	case domain.IsForbidden(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// readBody returns the raw signed envelope
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", domain.ErrMalformedPayload
		}
		return "", errors.Join(domain.ErrMalformedPayload, err)
	}
	return string(body), nil
}

// GetScores handles GET /tables/scores
func (h *Handler) GetScores(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, domain.ErrMalformedPayload)
			return
		}
		limit = n
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	scores, err := h.service.GetScores(r.Context(), body, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ScoresResponse{
		Status: "success",
		Scores: domain.Listing(scores.Entries),
	})
}

// SubmitScore handles POST /tables/scores/new
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if _, err := h.service.SubmitScore(r.Context(), body); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.service, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once the store answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
