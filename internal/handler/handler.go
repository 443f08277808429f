package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/logger"
	"bottle-rewards-api/internal/models"
	"bottle-rewards-api/internal/service"
	"bottle-rewards-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes registers the API routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/users/{user_id}", func(r chi.Router) {
		r.Put("/", h.UpsertUser)
		r.Get("/points", h.GetPoints)
		r.Get("/bottles", h.GetBottleCount)
		r.Get("/claims", h.GetClaims)
		r.Get("/disposals", h.GetDisposals)
	})

	r.Post("/rewards", h.UpsertReward)
	r.Get("/rewards/{reward_id}", h.GetReward)

	r.Post("/claims", h.ClaimReward)
	r.Delete("/claims/{claim_id}", h.ArchiveClaim)

	r.Post("/disposals", h.RecordDisposal)
	r.Delete("/disposals/{disposal_id}", h.ArchiveDisposal)

	r.Get("/queue", h.GetQueue)
	r.Post("/queue", h.Enqueue)
	r.Delete("/queue/{entry_id}", h.Dequeue)
	r.Post("/queue/{entry_id}/complete", h.CompleteQueueEntry)

	r.Get("/bot-config", h.GetBotConfig)
	r.Put("/bot-config", h.SaveBotConfig)
	r.Get("/bot-config/points", h.PointsForWeight)

	r.Post("/monitor", h.ReportBotState)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		logger.FromContext(r.Context()).Error("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNAVAILABLE"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// UpsertUser handles PUT /users/{user_id}
func (h *Handler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	var req models.User
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = urlParam(r, "user_id")

	user, err := h.service.UpsertUser(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, user)
}

// GetPoints handles GET /users/{user_id}/points
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.AvailablePoints(r.Context(), urlParam(r, "user_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// GetBottleCount handles GET /users/{user_id}/bottles
func (h *Handler) GetBottleCount(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.BottleCount(r.Context(), urlParam(r, "user_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// GetClaims handles GET /users/{user_id}/claims
func (h *Handler) GetClaims(w http.ResponseWriter, r *http.Request) {
	includeArchived, ok := h.boolQuery(w, r, "include_archived")
	if !ok {
		return
	}

	claims, err := h.service.ClaimHistory(r.Context(), urlParam(r, "user_id"), includeArchived)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, claims)
}

// GetDisposals handles GET /users/{user_id}/disposals
func (h *Handler) GetDisposals(w http.ResponseWriter, r *http.Request) {
	includeArchived, ok := h.boolQuery(w, r, "include_archived")
	if !ok {
		return
	}

	disposals, err := h.service.DisposalHistory(r.Context(), urlParam(r, "user_id"), includeArchived)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, disposals)
}

// UpsertReward handles POST /rewards
func (h *Handler) UpsertReward(w http.ResponseWriter, r *http.Request) {
	var req models.Reward
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = validation.SanitizeString(req.ID)
	req.Category = validation.SanitizeString(req.Category)

	reward, err := h.service.UpsertReward(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, reward)
}

// GetReward handles GET /rewards/{reward_id}
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	reward, err := h.service.GetReward(r.Context(), urlParam(r, "reward_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, reward)
}

// ClaimReward handles POST /claims
func (h *Handler) ClaimReward(w http.ResponseWriter, r *http.Request) {
	var req models.ClaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = validation.SanitizeString(req.UserID)
	req.RewardID = validation.SanitizeString(req.RewardID)

	resp, err := h.service.ClaimReward(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// ArchiveClaim handles DELETE /claims/{claim_id}
func (h *Handler) ArchiveClaim(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ArchiveClaim(r.Context(), urlParam(r, "claim_id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordDisposal handles POST /disposals
func (h *Handler) RecordDisposal(w http.ResponseWriter, r *http.Request) {
	var req models.DisposalRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = validation.SanitizeString(req.UserID)

	resp, err := h.service.RecordDisposal(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// ArchiveDisposal handles DELETE /disposals/{disposal_id}
func (h *Handler) ArchiveDisposal(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ArchiveDisposal(r.Context(), urlParam(r, "disposal_id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQueue handles GET /queue. With ?status= only entries in that status
// are returned.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	if status := validation.SanitizeString(r.URL.Query().Get("status")); status != "" {
		entries, err := h.service.QueueByStatus(r.Context(), models.QueueStatus(status))
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		h.respondJSON(w, http.StatusOK, entries)
		return
	}

	snapshot, err := h.service.QueueSnapshot(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, snapshot)
}

// Enqueue handles POST /queue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = validation.SanitizeString(req.UserID)

	snapshot, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, snapshot)
}

// Dequeue handles DELETE /queue/{entry_id}
func (h *Handler) Dequeue(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Dequeue(r.Context(), urlParam(r, "entry_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, snapshot)
}

// CompleteQueueEntry handles POST /queue/{entry_id}/complete
func (h *Handler) CompleteQueueEntry(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.CompleteQueueEntry(r.Context(), urlParam(r, "entry_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, snapshot)
}

// GetBotConfig handles GET /bot-config
func (h *Handler) GetBotConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.GetBotConfig(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, cfg)
}

// SaveBotConfig handles PUT /bot-config
func (h *Handler) SaveBotConfig(w http.ResponseWriter, r *http.Request) {
	var req models.BotConfig
	if !h.decode(w, r, &req) {
		return
	}
	req.BottleExchange.BaseUnit = validation.SanitizeString(req.BottleExchange.BaseUnit)

	cfg, err := h.service.SaveBotConfig(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, cfg)
}

// PointsForWeight handles GET /bot-config/points?weight=W
func (h *Handler) PointsForWeight(w http.ResponseWriter, r *http.Request) {
	raw := validation.SanitizeString(r.URL.Query().Get("weight"))
	weight, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		h.respondError(w, r, &validation.ValidationError{Field: "weight", Message: "must be a number"})
		return
	}

	resp, err := h.service.PointsForWeight(r.Context(), weight)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// ReportBotState handles POST /monitor
func (h *Handler) ReportBotState(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, r, apperr.Validation("request body too large or unreadable"))
		return
	}

	if err := h.service.ReportBotState(r.Context(), payload); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// decode reads a JSON body into dst, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, r, apperr.Validation("request body is required"))
		case errors.As(err, &maxErr):
			h.respondError(w, r, apperr.Validation("request body too large"))
		default:
			h.respondError(w, r, apperr.Validation("invalid JSON in request body"))
		}
		return false
	}
	return true
}

func (h *Handler) boolQuery(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		h.respondError(w, r, &validation.ValidationError{Field: name, Message: "must be a boolean"})
		return false, false
	}
	return v, true
}

func urlParam(r *http.Request, name string) string {
	return validation.SanitizeString(chi.URLParam(r, name))
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps err to its status code and writes the error body.
// Internal failures are logged and reported without detail.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)

	message := err.Error()
	var ae *apperr.Error
	if errors.Is(err, apperr.ErrTransient) && errors.As(err, &ae) {
		// Driver detail stays in the logs.
		logger.FromContext(r.Context()).Warn("store unavailable",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = ae.Message()
	}
	if kind == apperr.KindInternal {
		logger.FromContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = "internal server error"
	}

	h.respondJSON(w, status, models.ErrorResponse{
		Error:     message,
		Kind:      string(kind),
		Reason:    string(apperr.ReasonOf(err)),
		Retryable: apperr.Retryable(err),
	})
}
