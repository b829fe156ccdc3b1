package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Customer is the owning side of the booking aggregate, matched on phone or
// email during upsert. Rows are tenant-scoped.
type Customer struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	Email         *string   `json:"email,omitempty"`
	TotalBookings int       `json:"total_bookings"`
	LastContactAt time.Time `json:"last_contact_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Booking status constants. A booking is never left pending after the
// processor completes: calendar failure still confirms the booking, just
// without an event reference.
const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusFailed    = "failed"
)

// Booking references exactly one customer and optionally an external
// calendar event.
type Booking struct {
	ID              uuid.UUID `json:"id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	CustomerID      uuid.UUID `json:"customer_id"`
	ServiceType     string    `json:"service_type"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	Status          string    `json:"status"`
	CalendarEventID *string   `json:"calendar_event_id,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Notification channels.
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Delivery outcomes recorded in the notification log.
const (
	DeliveryStatusSent   = "sent"
	DeliveryStatusFailed = "failed"
)

// NotificationLogEntry records one delivery attempt. Append-only; used for
// audit and by the failure-rate monitor.
type NotificationLogEntry struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	BookingID   *uuid.UUID `json:"booking_id,omitempty"`
	Channel     string     `json:"channel"`
	Template    string     `json:"template"`
	Provider    string     `json:"provider"`
	Recipient   string     `json:"recipient"`
	Status      string     `json:"status"`
	ErrorDetail *string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FailedJob status constants.
const (
	FailedJobStatusPending   = "pending"
	FailedJobStatusRetried   = "retried"
	FailedJobStatusDiscarded = "discarded"
)

// FailedJob is a poison job persisted for manual inspection. It carries
// enough to reconstruct and re-submit the original job.
type FailedJob struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"job_id"`
	TenantID     *uuid.UUID      `json:"tenant_id,omitempty"`
	Queue        string          `json:"queue"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error"`
	Status       string          `json:"status"`
	RetriedJobID *uuid.UUID      `json:"retried_job_id,omitempty"`
	FailedAt     time.Time       `json:"failed_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
