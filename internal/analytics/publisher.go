package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

// Event names.
const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingFailed    = "booking.failed"
)

// Event is one analytics fact, exported to the downstream warehouse
// feed over SQS.
type Event struct {
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name"`
	BookingID  string            `json:"booking_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// sqsAPI is the slice of the SQS client the publisher uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher forwards analytics events to SQS. With no queue configured
// it degrades to structured logging, which keeps local development and
// tests free of AWS.
type Publisher struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

type Config struct {
	Region   string
	QueueURL string
}

// NewPublisher creates the SQS-backed publisher. An empty QueueURL
// yields a log-only publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{queueURL: cfg.QueueURL, logger: logger}
	if cfg.QueueURL == "" {
		logger.Info("analytics export not configured, events will be logged only")
		return p, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	p.client = sqs.NewFromConfig(awsCfg)

	logger.Info("analytics publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return p, nil
}

// Publish exports one event.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	if p.client == nil {
		p.logger.Info("analytics event",
			zap.String("name", ev.Name),
			zap.String("tenant_id", ev.TenantID),
			zap.String("booking_id", ev.BookingID),
		)
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return errs.Permanent(fmt.Errorf("marshal analytics event: %w", err))
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("analytics event exported",
		zap.String("name", ev.Name),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// HandleJob processes an analytics.track job.
func (p *Publisher) HandleJob(ctx context.Context, job *queue.Job) error {
	var ev Event
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return errs.Permanent(fmt.Errorf("invalid analytics payload: %w", err))
	}
	return p.Publish(ctx, ev)
}
