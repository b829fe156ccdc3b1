// Package queue implements the durable job pipeline: named queues backed by
// Redis, per-queue worker pools with lease semantics, retry policies, and
// dead-letter forwarding.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// The six named queues. Queues are purpose-built, not created dynamically.
const (
	QueueBooking      = "booking"
	QueueNotification = "notification"
	QueueCalendarSync = "calendar-sync"
	QueueAnalytics    = "analytics"
	QueueFollowUp     = "follow-up"
	QueueDeadLetter   = "dead-letter"
)

// Kind identifies what a job does. Kinds are bound to handlers when the
// router is constructed; an unbound kind is a construction-time error, not a
// runtime default case.
type Kind string

const (
	KindBooking      Kind = "booking.process"
	KindNotification Kind = "notification.deliver"
	KindCalendarSync Kind = "calendar.sync"
	KindAnalytics    Kind = "analytics.track"
	KindFollowUp     Kind = "followup.check"
	KindDeadLetter   Kind = "deadletter.handle"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// maxBackoffDelay caps exponential growth so a misconfigured attempt budget
// cannot push retries out by days.
const maxBackoffDelay = time.Hour

// Backoff describes how long to wait before re-running a failed job.
type Backoff struct {
	Kind BackoffKind   `json:"kind"`
	Base time.Duration `json:"base"`
}

// DefaultBackoff is the queue-wide default: exponential starting at 2s,
// doubling each attempt.
func DefaultBackoff() Backoff {
	return Backoff{Kind: BackoffExponential, Base: 2 * time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}

	switch b.Kind {
	case BackoffFixed:
		return base
	default:
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxBackoffDelay {
				return maxBackoffDelay
			}
		}
		return d
	}
}

// Job is one unit of work in a named queue. The payload is opaque to the
// queue layer; handlers unmarshal it themselves.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Queue       string          `json:"queue"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	RunAt       time.Time       `json:"run_at"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// DeadLettered wraps a job that exhausted its retry budget. It carries
// enough to reconstruct and re-submit the original job.
type DeadLettered struct {
	Job       Job       `json:"job"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}
