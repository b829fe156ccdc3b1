package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for the booking aggregate, the
// notification log, and persisted failed jobs.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateBookingWithCustomer upserts the customer (matched by phone or email
// within the tenant) and inserts the booking inside a single transaction.
// The booking processor is the sole writer to these rows during job
// execution; the transaction keeps partial updates invisible to concurrent
// readers.
//
// The booking id is minted by the caller before enqueue, so a redelivered
// job re-running this method finds the existing row and does not create a
// second booking. The returned flag reports whether the booking row was
// inserted by this call; on redelivery it is false and the customer
// counters are left untouched.
func (r *Repository) CreateBookingWithCustomer(ctx context.Context, customer *Customer, booking *Booking) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Redelivery check before the customer upsert, so a re-run does not
	// re-increment total_bookings.
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, booking.ID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check existing booking: %w", err)
	}
	if exists {
		r.logger.Info("booking already exists, skipping insert",
			zap.String("booking_id", booking.ID.String()),
		)
		return false, nil
	}

	// Match by phone OR email; lock the row so concurrent booking jobs for
	// the same customer serialize on the upsert.
	findQuery := `
		SELECT id, total_bookings
		FROM customers
		WHERE tenant_id = $1
		  AND (phone = $2 OR (email IS NOT NULL AND $3::text IS NOT NULL AND email = $3))
		LIMIT 1
		FOR UPDATE
	`

	var existingID uuid.UUID
	var totalBookings int
	err = tx.QueryRow(ctx, findQuery, customer.TenantID, customer.Phone, customer.Email).
		Scan(&existingID, &totalBookings)

	switch {
	case err == nil:
		customer.ID = existingID
		customer.TotalBookings = totalBookings + 1

		updateQuery := `
			UPDATE customers
			SET name = $1, email = COALESCE($2, email), total_bookings = $3,
			    last_contact_at = NOW(), updated_at = NOW()
			WHERE id = $4
			RETURNING last_contact_at, updated_at
		`
		if err := tx.QueryRow(ctx, updateQuery,
			customer.Name, customer.Email, customer.TotalBookings, customer.ID,
		).Scan(&customer.LastContactAt, &customer.UpdatedAt); err != nil {
			return false, fmt.Errorf("update customer: %w", err)
		}

	case errors.Is(err, pgx.ErrNoRows):
		customer.ID = uuid.New()
		customer.TotalBookings = 1

		insertQuery := `
			INSERT INTO customers (id, tenant_id, name, phone, email, total_bookings, last_contact_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING last_contact_at, created_at, updated_at
		`
		if err := tx.QueryRow(ctx, insertQuery,
			customer.ID, customer.TenantID, customer.Name, customer.Phone,
			customer.Email, customer.TotalBookings,
		).Scan(&customer.LastContactAt, &customer.CreatedAt, &customer.UpdatedAt); err != nil {
			return false, fmt.Errorf("insert customer: %w", err)
		}

	default:
		return false, fmt.Errorf("find customer: %w", err)
	}

	booking.CustomerID = customer.ID

	// ON CONFLICT DO NOTHING: a redelivered job with the same pre-minted
	// booking id must not create a second booking.
	bookingQuery := `
		INSERT INTO bookings (id, tenant_id, customer_id, service_type, starts_at, ends_at, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, bookingQuery,
		booking.ID, booking.TenantID, booking.CustomerID, booking.ServiceType,
		booking.StartsAt, booking.EndsAt, booking.Status, booking.Notes,
	)
	if err != nil {
		return false, fmt.Errorf("insert booking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("booking persisted",
		zap.String("booking_id", booking.ID.String()),
		zap.String("customer_id", customer.ID.String()),
		zap.String("tenant_id", booking.TenantID.String()),
		zap.String("service_type", booking.ServiceType),
	)

	return tag.RowsAffected() == 1, nil
}

// GetBooking retrieves a booking by id.
func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	query := `
		SELECT id, tenant_id, customer_id, service_type, starts_at, ends_at,
		       status, calendar_event_id, notes, created_at, updated_at
		FROM bookings
		WHERE id = $1
	`

	var b Booking
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&b.ID, &b.TenantID, &b.CustomerID, &b.ServiceType, &b.StartsAt, &b.EndsAt,
		&b.Status, &b.CalendarEventID, &b.Notes, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query booking: %w", err)
	}

	return &b, nil
}

// GetCustomer retrieves a customer by id.
func (r *Repository) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	query := `
		SELECT id, tenant_id, name, phone, email, total_bookings,
		       last_contact_at, created_at, updated_at
		FROM customers
		WHERE id = $1
	`

	var c Customer
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email, &c.TotalBookings,
		&c.LastContactAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}

	return &c, nil
}

// SetBookingCalendarEvent records the calendar sync outcome. The booking is
// already committed at this point; a failed sync still confirms the booking
// with a null event reference (compensation, not rollback).
func (r *Repository) SetBookingCalendarEvent(ctx context.Context, id uuid.UUID, eventID *string, status string) error {
	query := `
		UPDATE bookings
		SET calendar_event_id = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`

	tag, err := r.db.Pool().Exec(ctx, query, eventID, status, id)
	if err != nil {
		return fmt.Errorf("update booking calendar event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}

	return nil
}

// AppendNotificationLog writes one immutable delivery-attempt record.
func (r *Repository) AppendNotificationLog(ctx context.Context, e *NotificationLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	query := `
		INSERT INTO notification_log (id, tenant_id, booking_id, channel, template,
		                              provider, recipient, status, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.ID, e.TenantID, e.BookingID, e.Channel, e.Template,
		e.Provider, e.Recipient, e.Status, e.ErrorDetail,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification log entry: %w", err)
	}

	return nil
}

// PruneNotificationLog deletes log entries older than the cutoff. Returns
// the number of rows removed.
func (r *Repository) PruneNotificationLog(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune notification log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateFailedJob persists a poison job for manual inspection.
func (r *Repository) CreateFailedJob(ctx context.Context, fj *FailedJob) error {
	if fj.ID == uuid.Nil {
		fj.ID = uuid.New()
	}
	if fj.Status == "" {
		fj.Status = FailedJobStatusPending
	}

	query := `
		INSERT INTO failed_jobs (id, job_id, tenant_id, queue, kind, payload,
		                         attempts, last_error, status, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		fj.ID, fj.JobID, fj.TenantID, fj.Queue, fj.Kind, fj.Payload,
		fj.Attempts, fj.LastError, fj.Status, fj.FailedAt,
	).Scan(&fj.CreatedAt, &fj.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert failed job: %w", err)
	}

	r.logger.Info("failed job persisted",
		zap.String("failed_job_id", fj.ID.String()),
		zap.String("queue", fj.Queue),
		zap.String("kind", fj.Kind),
		zap.Int("attempts", fj.Attempts),
	)

	return nil
}

// ListFailedJobs retrieves persisted failed jobs, newest first.
func (r *Repository) ListFailedJobs(ctx context.Context, limit, offset int) ([]*FailedJob, error) {
	query := `
		SELECT id, job_id, tenant_id, queue, kind, payload, attempts,
		       last_error, status, retried_job_id, failed_at, created_at, updated_at
		FROM failed_jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}
	defer rows.Close()

	var items []*FailedJob
	for rows.Next() {
		var fj FailedJob
		if err := rows.Scan(
			&fj.ID, &fj.JobID, &fj.TenantID, &fj.Queue, &fj.Kind, &fj.Payload,
			&fj.Attempts, &fj.LastError, &fj.Status, &fj.RetriedJobID,
			&fj.FailedAt, &fj.CreatedAt, &fj.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		items = append(items, &fj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// GetFailedJob retrieves one persisted failed job.
func (r *Repository) GetFailedJob(ctx context.Context, id uuid.UUID) (*FailedJob, error) {
	query := `
		SELECT id, job_id, tenant_id, queue, kind, payload, attempts,
		       last_error, status, retried_job_id, failed_at, created_at, updated_at
		FROM failed_jobs
		WHERE id = $1
	`

	var fj FailedJob
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&fj.ID, &fj.JobID, &fj.TenantID, &fj.Queue, &fj.Kind, &fj.Payload,
		&fj.Attempts, &fj.LastError, &fj.Status, &fj.RetriedJobID,
		&fj.FailedAt, &fj.CreatedAt, &fj.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query failed job: %w", err)
	}

	return &fj, nil
}

// MarkFailedJobRetried records that the failed job was re-submitted.
func (r *Repository) MarkFailedJobRetried(ctx context.Context, id, retriedJobID uuid.UUID) error {
	query := `
		UPDATE failed_jobs
		SET status = $1, retried_job_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		FailedJobStatusRetried, retriedJobID, id, FailedJobStatusPending)
	if err != nil {
		return fmt.Errorf("mark failed job retried: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed job %s not pending: %w", id, ErrNotFound)
	}

	return nil
}

// DiscardFailedJob marks a failed job as manually discarded.
func (r *Repository) DiscardFailedJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE failed_jobs
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		FailedJobStatusDiscarded, id, FailedJobStatusPending)
	if err != nil {
		return fmt.Errorf("discard failed job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed job %s not pending: %w", id, ErrNotFound)
	}

	return nil
}
