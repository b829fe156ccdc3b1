// Package deadletter triages jobs that exhausted their retry budget or
// failed permanently. Poison jobs are persisted for manual review;
// everything else gets a second life on a long delay.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/alert"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

// maxAutomaticRetries caps total attempts across the original run and
// dead-letter resubmissions. Past this, only a human can resubmit.
const maxAutomaticRetries = 5

// delayTiers spaces out dead-letter resubmissions. The first
// resubmission waits 5 minutes, the next 15, and so on; the last tier
// repeats if attempts somehow exceed the table.
var delayTiers = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	45 * time.Minute,
	2 * time.Hour,
}

// poisonPatterns are error substrings that mark a job unrecoverable no
// matter how many times it retries. Matching is case-insensitive.
var poisonPatterns = []string{
	"invalid recipient",
	"invalid phone",
	"invalid email",
	"suspended account",
	"invalid credentials",
	"authentication failed",
	"quota exceeded",
	"unsubscribed",
	"blacklisted",
	"opted out",
	"validation:",
	"permanent:",
}

// FailedJobStore persists poison jobs.
type FailedJobStore interface {
	CreateFailedJob(ctx context.Context, fj *db.FailedJob) error
}

// Resubmitter puts a job back on its original queue. Satisfied by
// *queue.Router.
type Resubmitter interface {
	Resubmit(ctx context.Context, job *queue.Job) error
}

// Handler processes deadletter.handle jobs.
type Handler struct {
	store  FailedJobStore
	router Resubmitter
	alerts alert.Sink
	logger *zap.Logger
}

func New(store FailedJobStore, router Resubmitter, alerts alert.Sink, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		router: router,
		alerts: alerts,
		logger: logger,
	}
}

// HandleJob triages one dead-lettered job. Poison jobs and jobs past
// the automatic retry cap are persisted and alerted; the rest are
// resubmitted on a delay tier.
func (h *Handler) HandleJob(ctx context.Context, job *queue.Job) error {
	var dl queue.DeadLettered
	if err := json.Unmarshal(job.Payload, &dl); err != nil {
		return errs.Permanent(fmt.Errorf("invalid dead-letter payload: %w", err))
	}

	if isPoison(dl.LastError) || dl.Job.Attempt >= maxAutomaticRetries {
		return h.quarantine(ctx, &dl)
	}
	return h.resubmit(ctx, &dl)
}

// quarantine persists the job for manual review and raises a critical
// alert.
func (h *Handler) quarantine(ctx context.Context, dl *queue.DeadLettered) error {
	fj := &db.FailedJob{
		ID:        uuid.New(),
		JobID:     dl.Job.ID,
		Queue:     dl.Job.Queue,
		Kind:      string(dl.Job.Kind),
		Payload:   dl.Job.Payload,
		Attempts:  dl.Job.Attempt,
		LastError: dl.LastError,
		Status:    db.FailedJobStatusPending,
		FailedAt:  dl.FailedAt,
	}
	if tenantID := extractTenantID(dl.Job.Payload); tenantID != nil {
		fj.TenantID = tenantID
	}

	if err := h.store.CreateFailedJob(ctx, fj); err != nil {
		return fmt.Errorf("persist failed job: %w", err)
	}

	alert.Criticalf(ctx, h.alerts, "job quarantined",
		"job %s (%s on %s) failed %d times: %s",
		dl.Job.ID, dl.Job.Kind, dl.Job.Queue, dl.Job.Attempt, dl.LastError)

	h.logger.Error("job quarantined for manual review",
		zap.String("job_id", dl.Job.ID.String()),
		zap.String("queue", dl.Job.Queue),
		zap.String("kind", string(dl.Job.Kind)),
		zap.Int("attempts", dl.Job.Attempt),
		zap.String("last_error", dl.LastError),
	)
	return nil
}

// resubmit re-enqueues the original job with one more attempt allowed,
// delayed by the tier matching how many attempts it has burned.
func (h *Handler) resubmit(ctx context.Context, dl *queue.DeadLettered) error {
	delay := tierFor(dl.Job.Attempt)

	retry := dl.Job
	retry.MaxAttempts = dl.Job.Attempt + 1
	retry.RunAt = time.Now().Add(delay)
	retry.LastError = dl.LastError

	if err := h.router.Resubmit(ctx, &retry); err != nil {
		return fmt.Errorf("resubmit job %s: %w", retry.ID, err)
	}

	h.logger.Info("dead-lettered job resubmitted",
		zap.String("job_id", retry.ID.String()),
		zap.String("queue", retry.Queue),
		zap.Int("attempts_so_far", dl.Job.Attempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// tierFor maps burned attempts to a resubmission delay. A job arrives
// here with at least its original budget (3 by default) spent, so the
// first resubmission uses the first tier.
func tierFor(attempts int) time.Duration {
	idx := attempts - 3
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delayTiers) {
		idx = len(delayTiers) - 1
	}
	return delayTiers[idx]
}

func isPoison(lastError string) bool {
	lower := strings.ToLower(lastError)
	for _, p := range poisonPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// extractTenantID pulls tenant_id out of the job payload when present,
// so quarantined jobs can be filtered per tenant in the admin API.
func extractTenantID(payload json.RawMessage) *uuid.UUID {
	var probe struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.TenantID == "" {
		return nil
	}
	id, err := uuid.Parse(probe.TenantID)
	if err != nil {
		return nil
	}
	return &id
}
