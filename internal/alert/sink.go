// Package alert delivers operator notifications for conditions that need
// a human: poison jobs, systemic failure rates, stuck queues.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/metrics"
)

// Severity levels.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity string            `json:"severity"`
	Title    string            `json:"title"`
	Detail   string            `json:"detail"`
	Labels   map[string]string `json:"labels,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

// Sink delivers alerts. Raise must not block job processing for long
// and must never panic.
type Sink interface {
	Raise(ctx context.Context, a Alert)
}

// LogSink writes alerts to the structured log. Always available; the
// default when no webhook is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Raise(ctx context.Context, a Alert) {
	metrics.RecordAlert(a.Severity)

	fields := []zap.Field{
		zap.String("severity", a.Severity),
		zap.String("title", a.Title),
		zap.String("detail", a.Detail),
	}
	for k, v := range a.Labels {
		fields = append(fields, zap.String(k, v))
	}

	if a.Severity == SeverityCritical {
		s.logger.Error("alert raised", fields...)
	} else {
		s.logger.Warn("alert raised", fields...)
	}
}

// WebhookSink posts alerts to an HTTP endpoint (PagerDuty relay, Slack
// bridge) and also logs them, so a dead webhook never swallows an alert.
type WebhookSink struct {
	client *http.Client
	url    string
	log    *LogSink
	logger *zap.Logger
}

func NewWebhookSink(url string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		client: &http.Client{Timeout: 5 * time.Second},
		url:    url,
		log:    NewLogSink(logger),
		logger: logger,
	}
}

func (s *WebhookSink) Raise(ctx context.Context, a Alert) {
	s.log.Raise(ctx, a)

	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}

	body, err := json.Marshal(a)
	if err != nil {
		s.logger.Error("failed to marshal alert", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to create alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("failed to deliver alert webhook", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Error("alert webhook rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("title", a.Title),
		)
	}
}

// Criticalf raises a critical alert on sink with a formatted detail.
func Criticalf(ctx context.Context, sink Sink, title, format string, args ...any) {
	sink.Raise(ctx, Alert{
		Severity: SeverityCritical,
		Title:    title,
		Detail:   fmt.Sprintf(format, args...),
		RaisedAt: time.Now().UTC(),
	})
}
