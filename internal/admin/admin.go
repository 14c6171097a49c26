// Package admin serves the relay's health, metrics and outbox inspection endpoints.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/idmesh/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// Inspector is the read-only view of the outbox the endpoints need. *outbox.Store implements it.
type Inspector interface {
	PendingCount(ctx context.Context) (int64, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*outbox.Record, error)
}

// Pinger reports database reachability for /healthz.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type handler struct {
	inspector Inspector
	pinger    Pinger
	logger    *slog.Logger
}

// NewRouter builds the admin router. pinger may be nil.
func NewRouter(inspector Inspector, pinger Pinger, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	h := &handler{inspector: inspector, pinger: pinger, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/outbox", func(r chi.Router) {
		r.Get("/pending/count", h.pendingCount)
		r.Get("/dead-letters", h.deadLetters)
	})

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.PingContext(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) pendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.inspector.PendingCount(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"pending": n})
}

type deadLetter struct {
	ID           uuid.UUID  `json:"id"`
	EventTag     string     `json:"event_tag"`
	Topic        string     `json:"topic"`
	OccurredAt   time.Time  `json:"occurred_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error"`
}

func (h *handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDeadLetterLimit {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be between 1 and " + strconv.Itoa(maxDeadLetterLimit),
			})
			return
		}
		limit = n
	}

	records, err := h.inspector.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	// payloads stay out of the response, they may carry personal data
	resp := make([]deadLetter, 0, len(records))
	for _, rec := range records {
		resp = append(resp, deadLetter{
			ID:           rec.ID,
			EventTag:     rec.EventTag,
			Topic:        rec.Topic,
			OccurredAt:   rec.OccurredAt,
			ProcessedAt:  rec.ProcessedAt,
			AttemptCount: rec.AttemptCount,
			LastError:    rec.LastError,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("admin request failed",
		"path", r.URL.Path,
		"request_id", chimiddleware.GetReqID(r.Context()),
		"error", err)
	h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("writing admin response", "error", err)
	}
}
