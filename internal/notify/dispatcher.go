package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/breaker"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/ratelimit"
)

// providerTimeout bounds a single provider call so one slow provider
// cannot eat the whole job lease.
const providerTimeout = 10 * time.Second

// JobPayload is the body of a notification.deliver job.
type JobPayload struct {
	TenantID  uuid.UUID         `json:"tenant_id"`
	BookingID *uuid.UUID        `json:"booking_id,omitempty"`
	Channel   string            `json:"channel"`
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data"`
}

// DeliveryLog records one row per delivery attempt.
type DeliveryLog interface {
	AppendNotificationLog(ctx context.Context, entry *db.NotificationLogEntry) error
}

// guarded pairs a provider with its circuit breaker. Each provider gets
// its own breaker so a dead primary fails over without poisoning the
// fallback's stats.
type guarded struct {
	provider Provider
	breaker  *breaker.Breaker
}

// Pipeline is the delivery chain for one channel: an optional rate
// limiter in front, then providers tried in order.
type Pipeline struct {
	limiter   *ratelimit.Bucket
	providers []guarded
}

// NewPipeline builds a channel pipeline. Providers are tried in the
// order given; pass nil for limiter on channels without a send cap.
func NewPipeline(limiter *ratelimit.Bucket, logger *zap.Logger, providers ...Provider) *Pipeline {
	p := &Pipeline{limiter: limiter}
	for _, prov := range providers {
		p.providers = append(p.providers, guarded{
			provider: prov,
			breaker:  breaker.New(breaker.DefaultConfig(prov.Name()), logger),
		})
	}
	return p
}

// Dispatcher renders templates and routes messages through per-channel
// pipelines. One notification log row is written per provider attempt.
type Dispatcher struct {
	registry  *Registry
	pipelines map[string]*Pipeline
	log       DeliveryLog
	logger    *zap.Logger
}

func NewDispatcher(registry *Registry, log DeliveryLog, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		pipelines: make(map[string]*Pipeline),
		log:       log,
		logger:    logger,
	}
}

// Mount attaches a pipeline to a channel. Later mounts replace earlier
// ones.
func (d *Dispatcher) Mount(channel string, pipeline *Pipeline) {
	d.pipelines[channel] = pipeline
}

// HandleJob processes a notification.deliver job.
func (d *Dispatcher) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errs.Permanent(fmt.Errorf("invalid notification payload: %w", err))
	}
	return d.Deliver(ctx, payload)
}

// Deliver renders and sends one notification. The returned error's
// class drives the retry policy: rate-limit and provider outages come
// back transient, bad input comes back permanent.
func (d *Dispatcher) Deliver(ctx context.Context, payload JobPayload) error {
	if payload.Recipient == "" {
		return errs.Validationf("notification missing recipient")
	}

	pipeline, ok := d.pipelines[payload.Channel]
	if !ok {
		return errs.Permanent(fmt.Errorf("no pipeline mounted for channel %q", payload.Channel))
	}

	rendered, err := d.registry.Render(payload.Channel, payload.Template, payload.Data)
	if err != nil {
		return err
	}

	// The send-rate cap blocks the worker rather than failing the job;
	// throttling must never count toward the queue failure rate.
	if pipeline.limiter != nil && !pipeline.limiter.Take() {
		d.logger.Info("send-rate cap reached, waiting for a token",
			zap.String("channel", payload.Channel),
			zap.String("tenant_id", payload.TenantID.String()),
		)
		if err := pipeline.limiter.Wait(ctx); err != nil {
			metrics.RecordRateLimitRejection(payload.TenantID.String())
			return errs.Transient(fmt.Errorf("interrupted waiting on send-rate cap for channel %s: %w", payload.Channel, err))
		}
	}

	msg := Message{
		To:      payload.Recipient,
		Subject: rendered.Subject,
		Body:    rendered.Body,
	}

	var lastErr error
	attempted := false

	for _, g := range pipeline.providers {
		if !g.breaker.Allow() {
			d.logger.Debug("skipping provider with open circuit",
				zap.String("provider", g.provider.Name()),
				zap.String("channel", payload.Channel),
			)
			continue
		}
		attempted = true

		sendCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		_, err := g.provider.Send(sendCtx, msg)
		cancel()

		if err == nil {
			g.breaker.RecordSuccess()
			metrics.RecordDelivery(payload.Channel, g.provider.Name(), db.DeliveryStatusSent)
			d.appendLog(ctx, payload, g.provider.Name(), db.DeliveryStatusSent, nil)
			return nil
		}

		metrics.RecordDelivery(payload.Channel, g.provider.Name(), db.DeliveryStatusFailed)
		d.appendLog(ctx, payload, g.provider.Name(), db.DeliveryStatusFailed, err)

		if errs.ClassOf(err) == errs.ClassValidation {
			// Bad input fails identically on every provider.
			return err
		}

		g.breaker.RecordFailure()
		lastErr = err

		d.logger.Warn("provider delivery failed, trying next",
			zap.String("provider", g.provider.Name()),
			zap.String("channel", payload.Channel),
			zap.Error(err),
		)
	}

	if !attempted {
		return errs.Transient(fmt.Errorf("all providers unavailable for channel %s", payload.Channel))
	}
	return fmt.Errorf("delivery failed on channel %s: %w", payload.Channel, lastErr)
}

// appendLog writes the audit row. Log failures are reported but never
// fail the delivery itself.
func (d *Dispatcher) appendLog(ctx context.Context, payload JobPayload, provider, status string, sendErr error) {
	entry := &db.NotificationLogEntry{
		ID:        uuid.New(),
		TenantID:  payload.TenantID,
		BookingID: payload.BookingID,
		Channel:   payload.Channel,
		Template:  payload.Template,
		Provider:  provider,
		Recipient: payload.Recipient,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if sendErr != nil {
		detail := sendErr.Error()
		entry.ErrorDetail = &detail
	}

	if err := d.log.AppendNotificationLog(ctx, entry); err != nil {
		d.logger.Error("failed to append notification log",
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
}
