package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/booking"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/idempotency"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

// maxBodyBytes caps inbound webhook bodies.
const maxBodyBytes = 64 * 1024

// Store defines the database operations the API needs.
type Store interface {
	GetBooking(ctx context.Context, id uuid.UUID) (*db.Booking, error)
	ListFailedJobs(ctx context.Context, limit, offset int) ([]*db.FailedJob, error)
	GetFailedJob(ctx context.Context, id uuid.UUID) (*db.FailedJob, error)
	MarkFailedJobRetried(ctx context.Context, id, retriedJobID uuid.UUID) error
	DiscardFailedJob(ctx context.Context, id uuid.UUID) error
}

// Enqueuer submits jobs to the queue router.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any, opts queue.EnqueueOptions) (uuid.UUID, error)
}

// BookingResponse is returned after accepting a booking webhook.
type BookingResponse struct {
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger   *zap.Logger
	store    Store
	enqueuer Enqueuer
	gate     *idempotency.Gate // nil if Redis not configured
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, store Store, enqueuer Enqueuer, gate *idempotency.Gate) *Handler {
	return &Handler{
		logger:   logger,
		store:    store,
		enqueuer: enqueuer,
		gate:     gate,
	}
}

// BookAppointment handles POST /v1/webhook/booking.
//
// The voice agent delivers at-least-once, so the handler runs behind the
// idempotency gate: a duplicate of a completed request replays the
// original response byte-for-byte, and a duplicate of an in-flight
// request is acknowledged without scheduling a second job. The booking
// id is minted here, before enqueue, so every retry of the same request
// maps onto the same database row.
func (h *Handler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	var req booking.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if _, err := uuid.Parse(req.TenantID); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	// Mint the booking id before touching the gate so the cached
	// response of a duplicate carries the same id.
	req.BookingID = uuid.NewString()

	if _, _, err := booking.Validate(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid booking", err.Error())
		return
	}

	// A missing key gets a random one: the request is still processed,
	// just without cross-call dedup.
	requestID := r.Header.Get("Idempotency-Key")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if h.gate != nil {
		result := h.gate.Admit(ctx, req.TenantID, requestID, "bookAppointment", body)
		if !result.IsNew {
			if result.Cached != nil {
				// Replay the original response verbatim, status included.
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write(result.Cached)
				return
			}
			// Original request still in flight.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
			return
		}
	}

	jobID, err := h.enqueuer.Enqueue(ctx, queue.QueueBooking, queue.KindBooking, req, queue.EnqueueOptions{})
	if err != nil {
		h.logger.Error("failed to enqueue booking",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to schedule booking", "")
		return
	}

	resp := BookingResponse{
		BookingID: req.BookingID,
		Status:    "queued",
	}
	respBody, _ := json.Marshal(resp)

	if h.gate != nil {
		if err := h.gate.Complete(ctx, req.TenantID, requestID, respBody); err != nil {
			h.logger.Warn("failed to store idempotency response",
				zap.Error(err),
				zap.String("request_id", requestID),
			)
		}
	}

	h.logger.Info("booking accepted",
		zap.String("booking_id", req.BookingID),
		zap.String("tenant_id", req.TenantID),
		zap.String("job_id", jobID.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(respBody)
}

// GetBooking handles GET /v1/bookings/{id}.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid booking ID", "ID must be a valid UUID")
		return
	}

	bk, err := h.store.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Booking not found", "")
			return
		}
		h.logger.Error("failed to get booking",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get booking", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(bk)
}

// ListFailedJobs handles GET /v1/admin/failed-jobs?limit=20&offset=0.
func (h *Handler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	jobs, err := h.store.ListFailedJobs(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list failed jobs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list failed jobs", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"failed_jobs": jobs,
		"limit":       limit,
		"offset":      offset,
	})
}

// GetFailedJob handles GET /v1/admin/failed-jobs/{id}.
func (h *Handler) GetFailedJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid failed job ID", "ID must be a valid UUID")
		return
	}

	fj, err := h.store.GetFailedJob(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Failed job not found", "")
			return
		}
		h.logger.Error("failed to get failed job", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get failed job", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(fj)
}

// RetryFailedJob handles POST /v1/admin/failed-jobs/{id}/retry. The
// quarantined payload goes back on its original queue as a fresh job
// with the default attempt budget.
func (h *Handler) RetryFailedJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid failed job ID", "ID must be a valid UUID")
		return
	}

	fj, err := h.store.GetFailedJob(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Failed job not found", "")
			return
		}
		h.logger.Error("failed to get failed job", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get failed job", "")
		return
	}

	if fj.Status != db.FailedJobStatusPending {
		h.writeError(w, http.StatusConflict, "invalid_state", "Failed job already handled",
			"job status is "+fj.Status)
		return
	}

	newJobID, err := h.enqueuer.Enqueue(ctx, fj.Queue, queue.Kind(fj.Kind), json.RawMessage(fj.Payload), queue.EnqueueOptions{})
	if err != nil {
		h.logger.Error("failed to re-enqueue failed job",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to re-enqueue job", "")
		return
	}

	if err := h.store.MarkFailedJobRetried(ctx, id, newJobID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Lost a race with another operator; the new job still runs.
			h.writeError(w, http.StatusConflict, "invalid_state", "Failed job already handled", "")
			return
		}
		h.logger.Error("failed to mark job retried", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update job status", "")
		return
	}

	h.logger.Info("failed job resubmitted by operator",
		zap.String("failed_job_id", id.String()),
		zap.String("new_job_id", newJobID.String()),
		zap.String("queue", fj.Queue),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": db.FailedJobStatusRetried,
		"job_id": newJobID.String(),
	})
}

// DiscardFailedJob handles POST /v1/admin/failed-jobs/{id}/discard.
func (h *Handler) DiscardFailedJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid failed job ID", "ID must be a valid UUID")
		return
	}

	if err := h.store.DiscardFailedJob(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusConflict, "invalid_state", "Failed job not pending", "")
			return
		}
		h.logger.Error("failed to discard job", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to discard job", "")
		return
	}

	h.logger.Info("failed job discarded by operator",
		zap.String("failed_job_id", id.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": db.FailedJobStatusDiscarded,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
