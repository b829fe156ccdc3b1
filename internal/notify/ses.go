package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

// SESProvider sends email via AWS SES. Primary email provider.
type SESProvider struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESProvider(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESProvider{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) Channel() string { return db.ChannelEmail }

// Send delivers the message via SES. Missing fields are permanent; SES
// API failures are left transient so the retry policy applies.
func (p *SESProvider) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", errs.Validationf("email message missing recipient")
	}
	if msg.Subject == "" {
		return "", errs.Validationf("email message missing subject")
	}
	if msg.Body == "" {
		return "", errs.Validationf("email message missing body")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	p.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}
