package booking

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

// Request is the booking payload carried by a booking.process job. The
// API handler mints BookingID before enqueue so a redelivered job maps
// onto the same row.
type Request struct {
	TenantID     string `json:"tenant_id" validate:"required,uuid"`
	BookingID    string `json:"booking_id" validate:"required,uuid"`
	CustomerName string `json:"customer_name" validate:"required,max=200"`
	Phone        string `json:"phone" validate:"required,e164"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	ServiceType  string `json:"service_type" validate:"required,max=100"`
	StartTime    string `json:"start_time" validate:"required"`
	EndTime      string `json:"end_time" validate:"required"`
	OwnerPhone   string `json:"owner_phone,omitempty" validate:"omitempty,e164"`
	Notes        string `json:"notes,omitempty" validate:"max=2000"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request and parses its timestamps. All failures
// are validation-class: a malformed booking cannot be fixed by retrying.
func Validate(req *Request) (startsAt, endsAt time.Time, err error) {
	if err := validate.Struct(req); err != nil {
		return time.Time{}, time.Time{}, errs.Validation(fmt.Errorf("invalid booking request: %w", err))
	}

	startsAt, err = time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Validationf("invalid start_time %q: not RFC3339", req.StartTime)
	}
	endsAt, err = time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Validationf("invalid end_time %q: not RFC3339", req.EndTime)
	}

	if !endsAt.After(startsAt) {
		return time.Time{}, time.Time{}, errs.Validationf("end_time must be after start_time")
	}

	return startsAt, endsAt, nil
}
