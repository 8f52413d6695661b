package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bobarin/reelforge/internal/dispatch"
	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/bobarin/reelforge/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

type Submitter interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*models.Job, error)
}

type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListNodeJobs(ctx context.Context, nodeID uuid.UUID) ([]models.Job, error)
}

type CreditReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]models.CreditTransaction, error)
}

type QueueInspector interface {
	AllStats(ctx context.Context) ([]queue.Stats, error)
}

type Handler struct {
	submitter Submitter
	jobs      JobReader
	credits   CreditReader
	queues    QueueInspector
	log       zerolog.Logger
}

func NewHandler(s Submitter, jobs JobReader, credits CreditReader, queues QueueInspector, logger zerolog.Logger) *Handler {
	return &Handler{
		submitter: s,
		jobs:      jobs,
		credits:   credits,
		queues:    queues,
		log:       logger.With().Str("component", "api").Logger(),
	}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.NodeID == uuid.Nil || req.UserID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "node_id and user_id are required")
		return
	}
	if req.CreditCost != nil && *req.CreditCost < 0 {
		respondError(w, http.StatusBadRequest, "credit_cost must not be negative")
		return
	}

	job, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		var ice *ledger.InsufficientCreditsError
		switch {
		case errors.As(err, &ice):
			respondJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "Insufficient credits",
				"required":  ice.Required,
				"available": ice.Available,
			})
		case errors.Is(err, ledger.ErrInsufficientCredits):
			respondError(w, http.StatusPaymentRequired, "Insufficient credits")
		case errors.Is(err, models.ErrJobExists):
			respondError(w, http.StatusConflict, "Job already exists")
		case errors.Is(err, dispatch.ErrQueueFull):
			respondError(w, http.StatusServiceUnavailable, "Queue is full, try again later")
		case errors.Is(err, dispatch.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error().Err(err).Str("type", string(req.Type)).Msg("failed to submit job")
			respondError(w, http.StatusInternalServerError, "Failed to submit job")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, job.View())
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id", "Invalid job ID")
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id.String()).Msg("failed to get job")
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	respondJSON(w, http.StatusOK, job.View())
}

// ListNodeJobs handles GET /v1/nodes/{id}/jobs
func (h *Handler) ListNodeJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id", "Invalid node ID")
	if !ok {
		return
	}

	jobs, err := h.jobs.ListNodeJobs(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("node_id", id.String()).Msg("failed to list node jobs")
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	views := make([]models.JobView, len(jobs))
	for i := range jobs {
		views[i] = jobs[i].View()
	}
	respondJSON(w, http.StatusOK, views)
}

// GetCredits handles GET /v1/users/{id}/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id", "Invalid user ID")
	if !ok {
		return
	}

	sub, err := h.credits.Balance(r.Context(), id)
	if errors.Is(err, ledger.ErrNoSubscription) {
		respondError(w, http.StatusNotFound, "Subscription not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("user_id", id.String()).Msg("failed to get balance")
		respondError(w, http.StatusInternalServerError, "Failed to get credits")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// ListCreditTransactions handles GET /v1/users/{id}/credits/transactions
// Query params:
//   - limit: max results (default 50, max 200)
func (h *Handler) ListCreditTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id", "Invalid user ID")
	if !ok {
		return
	}

	limit := defaultTransactionLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTransactionLimit)
	}

	txns, err := h.credits.History(r.Context(), id, limit)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", id.String()).Msg("failed to list transactions")
		respondError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}
	if txns == nil {
		txns = []models.CreditTransaction{}
	}

	respondJSON(w, http.StatusOK, txns)
}

// ListQueues handles GET /v1/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queues.AllStats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to inspect queues")
		respondError(w, http.StatusInternalServerError, "Failed to inspect queues")
		return
	}

	type queueView struct {
		queue.Stats
		Depth int `json:"depth"`
	}
	views := make([]queueView, len(stats))
	for i, s := range stats {
		views[i] = queueView{Stats: s, Depth: s.Depth()}
	}
	respondJSON(w, http.StatusOK, views)
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, msg)
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
