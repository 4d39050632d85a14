// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"commitboard/internal/database"
	apperrors "commitboard/internal/errors"
	"commitboard/internal/metrics"
	"commitboard/internal/model"
	"commitboard/internal/webhook"
)

// maxWebhookBody caps inbound delivery size.
const maxWebhookBody = 1 << 20

// EventHandler is the ingestion pipeline's synchronous entry point.
type EventHandler interface {
	HandleEvent(ctx context.Context, eventType, providedSignature string, rawBody []byte) webhook.Ack
}

// Handler is the container for API dependencies.
type Handler struct {
	db       database.Querier
	rankings webhook.SnapshotSource
	pipeline EventHandler
	logger   *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
// live serves the WebSocket observer channel and is mounted outside the
// request-timeout group since its connections are long-lived.
func NewRouter(db database.Querier, rankings webhook.SnapshotSource, pipeline EventHandler, live http.Handler, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:       db,
		rankings: rankings,
		pipeline: pipeline,
		logger:   logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)

	r.Get("/health", h.healthCheck)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/v1/live", live.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/webhooks/github", h.receiveWebhook)
		r.Get("/v1/leaderboard", h.getLeaderboard)
		r.Get("/v1/subjects/{subjectID}/commits", h.getSubjectCommits)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// receiveWebhook handles one inbound delivery.
// POST /webhooks/github
//
// The body is read raw before any parsing: signature verification must see
// the exact bytes the sender hashed. The response is written as soon as the
// pipeline's synchronous phase returns; persistence and broadcast complete in
// the background.
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	ack := h.pipeline.HandleEvent(r.Context(),
		r.Header.Get("X-GitHub-Event"),
		r.Header.Get("X-Hub-Signature-256"),
		body)

	switch ack.Status {
	case webhook.StatusAccepted, webhook.StatusPingAcked:
		respondWithJSON(w, http.StatusAccepted, ack)
	case webhook.StatusIgnored:
		respondWithJSON(w, http.StatusOK, ack)
	default:
		respondWithJSON(w, http.StatusBadRequest, ack)
	}
}

// getLeaderboard returns a freshly computed RankingSnapshot. Reads are
// independent of ingestion; this is what a page loads before its live
// connection is up.
// GET /v1/leaderboard
func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.rankings.Compute(r.Context())
	if err != nil {
		if errors.Is(err, apperrors.ErrStorageUnavailable) {
			respondWithError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable")
			return
		}
		h.logger.Error("Failed to compute leaderboard", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, snap)
}

// getSubjectCommits returns one subject's commit log, most recent first.
// GET /v1/subjects/{subjectID}/commits
func (h *Handler) getSubjectCommits(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	commits, err := h.db.ListCommitsBySubject(r.Context(), subjectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrStorageUnavailable) {
			respondWithError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable")
			return
		}
		h.logger.Error("Failed to get subject commits", "subject_id", subjectID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if commits == nil {
		commits = []model.CommitRecord{}
	}

	respondWithJSON(w, http.StatusOK, commits)
}
