package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

// HTTPSMSProvider is the fallback SMS provider, posting to a generic
// HTTP SMS gateway when SNS is unavailable.
type HTTPSMSProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

type HTTPSMSConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewHTTPSMSProvider(cfg HTTPSMSConfig, logger *zap.Logger) *HTTPSMSProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSMSProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

func (p *HTTPSMSProvider) Name() string { return "http-sms" }

func (p *HTTPSMSProvider) Channel() string { return db.ChannelSMS }

func (p *HTTPSMSProvider) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", errs.Validationf("sms message missing recipient")
	}

	reqBody, err := json.Marshal(map[string]string{
		"to":      msg.To,
		"message": msg.Body,
	})
	if err != nil {
		return "", fmt.Errorf("marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(bodyBytes, &out)

		p.logger.Info("SMS sent via HTTP gateway",
			zap.String("phone_number", msg.To),
			zap.String("message_id", out.ID),
		)
		return out.ID, nil

	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		// Bad recipient or credentials; retrying cannot help.
		return "", errs.Permanent(fmt.Errorf("sms gateway rejected request: status %d, body: %s", resp.StatusCode, string(bodyBytes)))

	default:
		return "", fmt.Errorf("sms gateway returned status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}
}
