package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/analytics"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/calendar"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/followup"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/notify"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

// Store is the slice of the repository the processor needs.
type Store interface {
	CreateBookingWithCustomer(ctx context.Context, customer *db.Customer, booking *db.Booking) (bool, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*db.Booking, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (*db.Customer, error)
	SetBookingCalendarEvent(ctx context.Context, id uuid.UUID, eventID *string, status string) error
}

// Calendar creates events on the external calendar.
type Calendar interface {
	CreateEvent(ctx context.Context, ev calendar.Event) (string, error)
	CheckConflicts(ctx context.Context, tenantID string, startsAt, endsAt time.Time) (bool, error)
}

// Enqueuer submits follow-on jobs. Satisfied by *queue.Router.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, kind queue.Kind, payload any, opts queue.EnqueueOptions) (uuid.UUID, error)
}

// FollowUpNotifier escalates bookings that never confirmed.
type FollowUpNotifier interface {
	Notify(ctx context.Context, r followup.Request) error
}

// CalendarSyncPayload is the body of a calendar.sync compensation job.
type CalendarSyncPayload struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	BookingID uuid.UUID `json:"booking_id"`
}

// FollowUpPayload is the body of a followup.check job.
type FollowUpPayload struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	BookingID uuid.UUID `json:"booking_id"`
}

// Config tunes processor behavior.
type Config struct {
	// BusinessName appears in customer-facing notification copy.
	BusinessName string

	// FollowUpDelay is how long after processing the follow-up check
	// runs.
	FollowUpDelay time.Duration
}

// Processor executes booking jobs: persist the booking transactionally,
// sync the calendar, then fan out notifications and analytics. The
// calendar and the fan-out happen strictly after commit; a calendar
// failure compensates with a sync job instead of rolling the booking
// back.
type Processor struct {
	store     Store
	cal       Calendar
	enqueuer  Enqueuer
	followUps FollowUpNotifier
	logger    *zap.Logger
	cfg       Config
}

func NewProcessor(store Store, cal Calendar, enqueuer Enqueuer, followUps FollowUpNotifier, cfg Config, logger *zap.Logger) *Processor {
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = 2 * time.Minute
	}
	return &Processor{
		store:     store,
		cal:       cal,
		enqueuer:  enqueuer,
		followUps: followUps,
		logger:    logger,
		cfg:       cfg,
	}
}

// HandleBookingJob processes a booking.process job.
func (p *Processor) HandleBookingJob(ctx context.Context, job *queue.Job) error {
	var req Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return errs.Permanent(fmt.Errorf("invalid booking payload: %w", err))
	}

	startsAt, endsAt, err := Validate(&req)
	if err != nil {
		metrics.RecordBookingProcessed("invalid")
		return err
	}

	tenantID := uuid.MustParse(req.TenantID)
	bookingID := uuid.MustParse(req.BookingID)

	customer := &db.Customer{
		TenantID: tenantID,
		Name:     req.CustomerName,
		Phone:    req.Phone,
	}
	if req.Email != "" {
		customer.Email = &req.Email
	}

	bk := &db.Booking{
		ID:          bookingID,
		TenantID:    tenantID,
		ServiceType: req.ServiceType,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		Status:      db.BookingStatusPending,
	}
	if req.Notes != "" {
		bk.Notes = &req.Notes
	}

	created, err := p.store.CreateBookingWithCustomer(ctx, customer, bk)
	if err != nil {
		metrics.RecordBookingProcessed("error")
		return fmt.Errorf("persist booking: %w", err)
	}

	// Redelivery: the row already exists. If the earlier run confirmed
	// it, the calendar sync and fan-out already happened; re-running them
	// would double-send. A still-pending row means the earlier run died
	// before confirming, so finish the job.
	if !created {
		existing, err := p.store.GetBooking(ctx, bookingID)
		if err != nil {
			return fmt.Errorf("load redelivered booking: %w", err)
		}
		if existing.Status == db.BookingStatusConfirmed {
			p.logger.Info("booking already processed, skipping redelivery",
				zap.String("booking_id", bookingID.String()),
			)
			return nil
		}
	}

	// Calendar sync runs after commit. Failure never unwinds the
	// booking: the row stays confirmed without an event and a
	// compensation job recreates the event later.
	eventID, calErr := p.cal.CreateEvent(ctx, calendar.Event{
		TenantID:    tenantID.String(),
		BookingID:   bookingID.String(),
		Title:       fmt.Sprintf("%s - %s", req.ServiceType, req.CustomerName),
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		Description: req.Notes,
	})

	if calErr != nil {
		p.logger.Warn("calendar sync failed, scheduling compensation",
			zap.String("booking_id", bookingID.String()),
			zap.Error(calErr),
		)
		if err := p.store.SetBookingCalendarEvent(ctx, bookingID, nil, db.BookingStatusConfirmed); err != nil {
			return fmt.Errorf("confirm booking without event: %w", err)
		}
		if _, err := p.enqueuer.Enqueue(ctx, queue.QueueCalendarSync, queue.KindCalendarSync,
			CalendarSyncPayload{TenantID: tenantID, BookingID: bookingID}, queue.EnqueueOptions{}); err != nil {
			p.logger.Error("failed to enqueue calendar compensation",
				zap.String("booking_id", bookingID.String()),
				zap.Error(err),
			)
		}
	} else {
		if err := p.store.SetBookingCalendarEvent(ctx, bookingID, &eventID, db.BookingStatusConfirmed); err != nil {
			return fmt.Errorf("confirm booking: %w", err)
		}
	}

	metrics.RecordBookingProcessed("confirmed")

	p.fanOut(ctx, &req, tenantID, bookingID, startsAt)

	p.logger.Info("booking processed",
		zap.String("booking_id", bookingID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.Bool("calendar_synced", calErr == nil),
	)
	return nil
}

// fanOut enqueues the post-booking notification, analytics, and
// follow-up jobs. The booking is already committed, so failures here
// are logged and dropped rather than retried: a retry would re-run the
// whole handler and double-send whatever did go out.
func (p *Processor) fanOut(ctx context.Context, req *Request, tenantID, bookingID uuid.UUID, startsAt time.Time) {
	when := startsAt.Format("Mon Jan 2 at 3:04 PM")

	data := map[string]string{
		"CustomerName":  req.CustomerName,
		"CustomerPhone": req.Phone,
		"ServiceType":   req.ServiceType,
		"BusinessName":  p.cfg.BusinessName,
		"StartsAt":      when,
	}

	p.enqueueNotification(ctx, notify.JobPayload{
		TenantID:  tenantID,
		BookingID: &bookingID,
		Channel:   db.ChannelSMS,
		Template:  notify.TemplateBookingConfirmed,
		Recipient: req.Phone,
		Data:      data,
	})

	if req.OwnerPhone != "" {
		p.enqueueNotification(ctx, notify.JobPayload{
			TenantID:  tenantID,
			BookingID: &bookingID,
			Channel:   db.ChannelSMS,
			Template:  notify.TemplateOwnerNewBooking,
			Recipient: req.OwnerPhone,
			Data:      data,
		})
	}

	if req.Email != "" {
		p.enqueueNotification(ctx, notify.JobPayload{
			TenantID:  tenantID,
			BookingID: &bookingID,
			Channel:   db.ChannelEmail,
			Template:  notify.TemplateBookingConfirmed,
			Recipient: req.Email,
			Data:      data,
		})
	}

	if _, err := p.enqueuer.Enqueue(ctx, queue.QueueAnalytics, queue.KindAnalytics, analytics.Event{
		TenantID:  tenantID.String(),
		Name:      analytics.EventBookingConfirmed,
		BookingID: bookingID.String(),
		Properties: map[string]string{
			"service_type": req.ServiceType,
		},
	}, queue.EnqueueOptions{}); err != nil {
		p.logger.Error("failed to enqueue analytics event",
			zap.String("booking_id", bookingID.String()),
			zap.Error(err),
		)
	}

	if _, err := p.enqueuer.Enqueue(ctx, queue.QueueFollowUp, queue.KindFollowUp,
		FollowUpPayload{TenantID: tenantID, BookingID: bookingID},
		queue.EnqueueOptions{Delay: p.cfg.FollowUpDelay}); err != nil {
		p.logger.Error("failed to enqueue follow-up check",
			zap.String("booking_id", bookingID.String()),
			zap.Error(err),
		)
	}
}

func (p *Processor) enqueueNotification(ctx context.Context, payload notify.JobPayload) {
	if _, err := p.enqueuer.Enqueue(ctx, queue.QueueNotification, queue.KindNotification, payload, queue.EnqueueOptions{}); err != nil {
		p.logger.Error("failed to enqueue notification",
			zap.String("template", payload.Template),
			zap.String("channel", payload.Channel),
			zap.Error(err),
		)
	}
}

// HandleCalendarSyncJob recreates a calendar event for a booking whose
// original sync failed.
func (p *Processor) HandleCalendarSyncJob(ctx context.Context, job *queue.Job) error {
	var payload CalendarSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errs.Permanent(fmt.Errorf("invalid calendar sync payload: %w", err))
	}

	bk, err := p.store.GetBooking(ctx, payload.BookingID)
	if err != nil {
		if err == db.ErrNotFound {
			return errs.Permanent(fmt.Errorf("booking %s not found", payload.BookingID))
		}
		return fmt.Errorf("load booking: %w", err)
	}

	// Another sync already landed.
	if bk.CalendarEventID != nil {
		return nil
	}

	// The slot may have been taken while the original sync was failing.
	// A permanent error here dead-letters the job so an operator sees
	// the confirmed-but-unsynced booking.
	conflict, err := p.cal.CheckConflicts(ctx, bk.TenantID.String(), bk.StartsAt, bk.EndsAt)
	if err != nil {
		return fmt.Errorf("check calendar conflicts: %w", err)
	}
	if conflict {
		return errs.Permanent(fmt.Errorf("calendar slot for booking %s taken during compensation", bk.ID))
	}

	customer, err := p.store.GetCustomer(ctx, bk.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}

	eventID, err := p.cal.CreateEvent(ctx, calendar.Event{
		TenantID:  bk.TenantID.String(),
		BookingID: bk.ID.String(),
		Title:     fmt.Sprintf("%s - %s", bk.ServiceType, customer.Name),
		StartsAt:  bk.StartsAt,
		EndsAt:    bk.EndsAt,
	})
	if err != nil {
		return fmt.Errorf("recreate calendar event: %w", err)
	}

	if err := p.store.SetBookingCalendarEvent(ctx, bk.ID, &eventID, bk.Status); err != nil {
		return fmt.Errorf("attach calendar event: %w", err)
	}

	p.logger.Info("calendar event recreated",
		zap.String("booking_id", bk.ID.String()),
		zap.String("event_id", eventID),
	)
	return nil
}

// HandleFollowUpJob checks whether a booking confirmed and escalates
// when it did not.
func (p *Processor) HandleFollowUpJob(ctx context.Context, job *queue.Job) error {
	var payload FollowUpPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errs.Permanent(fmt.Errorf("invalid follow-up payload: %w", err))
	}

	bk, err := p.store.GetBooking(ctx, payload.BookingID)
	if err != nil {
		if err == db.ErrNotFound {
			return errs.Permanent(fmt.Errorf("booking %s not found", payload.BookingID))
		}
		return fmt.Errorf("load booking: %w", err)
	}

	if bk.Status == db.BookingStatusConfirmed {
		return nil
	}

	customer, err := p.store.GetCustomer(ctx, bk.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}

	if err := p.followUps.Notify(ctx, followup.Request{
		TenantID:  bk.TenantID.String(),
		BookingID: bk.ID.String(),
		Phone:     customer.Phone,
		Reason:    fmt.Sprintf("booking still %s after processing", bk.Status),
	}); err != nil {
		return fmt.Errorf("notify follow-up service: %w", err)
	}

	p.logger.Info("follow-up escalated",
		zap.String("booking_id", bk.ID.String()),
		zap.String("status", bk.Status),
	)
	return nil
}
