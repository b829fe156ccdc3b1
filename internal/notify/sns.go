package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

// SNSProvider sends SMS via AWS SNS. Primary SMS provider.
type SNSProvider struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSProvider(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSProvider{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (p *SNSProvider) Name() string { return "sns" }

func (p *SNSProvider) Channel() string { return db.ChannelSMS }

func (p *SNSProvider) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", errs.Validationf("sms message missing recipient")
	}
	if msg.Body == "" {
		return "", errs.Validationf("sms message missing body")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	p.logger.Info("SMS sent via SNS",
		zap.String("phone_number", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}
