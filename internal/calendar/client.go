package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

// requestTimeout bounds calendar API calls. Calendar sync happens
// outside the booking transaction, so a hung call only delays the sync
// job, never the booking.
const requestTimeout = 10 * time.Second

// Event is an appointment slot on the external calendar.
type Event struct {
	TenantID    string    `json:"tenant_id"`
	BookingID   string    `json:"booking_id"`
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	Description string    `json:"description,omitempty"`
}

// Client talks to the external calendar service.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

type Config struct {
	BaseURL string
	APIKey  string
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// CreateEvent books the slot on the external calendar and returns the
// event id. Conflicts (slot already taken) come back permanent; network
// and 5xx failures stay transient for the retry policy.
func (c *Client) CreateEvent(ctx context.Context, ev Event) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(respBytes, &out); err != nil {
			return "", fmt.Errorf("decode event response: %w", err)
		}

		c.logger.Info("calendar event created",
			zap.String("booking_id", ev.BookingID),
			zap.String("event_id", out.EventID),
		)
		return out.EventID, nil

	case resp.StatusCode == http.StatusConflict:
		return "", errs.Permanent(fmt.Errorf("calendar slot conflict: %s", string(respBytes)))

	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return "", errs.Permanent(fmt.Errorf("calendar rejected event: status %d, body: %s", resp.StatusCode, string(respBytes)))

	default:
		return "", fmt.Errorf("calendar returned status %d, body: %s", resp.StatusCode, string(respBytes))
	}
}

// CheckConflicts reports whether the slot overlaps an existing event.
func (c *Client) CheckConflicts(ctx context.Context, tenantID string, startsAt, endsAt time.Time) (bool, error) {
	url := fmt.Sprintf("%s/v1/events/conflicts?tenant_id=%s&starts_at=%s&ends_at=%s",
		c.baseURL, tenantID, startsAt.UTC().Format(time.RFC3339), endsAt.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create conflicts request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("calendar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("calendar returned status %d, body: %s", resp.StatusCode, string(respBytes))
	}

	var out struct {
		Conflict bool `json:"conflict"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode conflicts response: %w", err)
	}
	return out.Conflict, nil
}
