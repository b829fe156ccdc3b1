package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (idempotency gate, durable queue store, HTTP rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // region for SNS (SMS)

	// SQS analytics export
	SQSRegion            string
	SQSAnalyticsQueueURL string

	// SMTP fallback relay for email
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// HTTP SMS gateway (fallback SMS provider)
	SMSGatewayURL    string
	SMSGatewayAPIKey string

	// Calendar provider
	CalendarBaseURL string
	CalendarAPIKey  string

	// Outbound-contact pipeline for unconfirmed bookings
	FollowUpBaseURL  string
	FollowUpDelaySec int

	// Alerting sink
	AlertWebhookURL string

	// Rendered into customer-facing notification templates
	BusinessName string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "chattyai",
		DBPassword: "",
		DBName:     "chattyai",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "bookings@chattyai.local",

		// SMTP defaults
		SMTPHost: "localhost",
		SMTPPort: 587,
		SMTPFrom: "bookings@chattyai.local",

		FollowUpDelaySec: 120,
		BusinessName:     "ChattyAI",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_ANALYTICS_QUEUE_URL"); url != "" {
		cfg.SQSAnalyticsQueueURL = url
	}

	// SMTP config
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTPFrom = from
	}

	// SMS gateway config
	if url := os.Getenv("SMS_GATEWAY_URL"); url != "" {
		cfg.SMSGatewayURL = url
	}

	if key := os.Getenv("SMS_GATEWAY_API_KEY"); key != "" {
		cfg.SMSGatewayAPIKey = key
	}

	// Calendar provider config
	if url := os.Getenv("CALENDAR_BASE_URL"); url != "" {
		cfg.CalendarBaseURL = url
	}

	if key := os.Getenv("CALENDAR_API_KEY"); key != "" {
		cfg.CalendarAPIKey = key
	}

	// Follow-up pipeline config
	if url := os.Getenv("FOLLOWUP_BASE_URL"); url != "" {
		cfg.FollowUpBaseURL = url
	}

	if delay := os.Getenv("FOLLOWUP_DELAY_SEC"); delay != "" {
		d, err := strconv.Atoi(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid FOLLOWUP_DELAY_SEC: %w", err)
		}
		cfg.FollowUpDelaySec = d
	}

	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		cfg.AlertWebhookURL = url
	}

	if name := os.Getenv("BUSINESS_NAME"); name != "" {
		cfg.BusinessName = name
	}

	return cfg, nil
}
