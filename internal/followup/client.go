package followup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client notifies the follow-up service about bookings that never
// confirmed, so a human (or an outbound call) can chase them.
type Client struct {
	http    *http.Client
	baseURL string
	logger  *zap.Logger
}

type Config struct {
	BaseURL string
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// Request describes one booking needing follow-up.
type Request struct {
	TenantID  string `json:"tenant_id"`
	BookingID string `json:"booking_id"`
	Phone     string `json:"phone"`
	Reason    string `json:"reason"`
}

// Notify posts the follow-up request. When no service is configured the
// call degrades to a log line so the pipeline keeps moving.
func (c *Client) Notify(ctx context.Context, r Request) error {
	if c.baseURL == "" {
		c.logger.Info("follow-up service not configured, logging only",
			zap.String("booking_id", r.BookingID),
			zap.String("reason", r.Reason),
		)
		return nil
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal follow-up request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/followups", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create follow-up request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("follow-up request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("follow-up service returned status %d, body: %s", resp.StatusCode, string(respBytes))
	}

	c.logger.Info("follow-up requested",
		zap.String("booking_id", r.BookingID),
		zap.String("reason", r.Reason),
	)
	return nil
}
