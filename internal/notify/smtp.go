package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/db"
	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/errs"
)

// SMTPProvider is the fallback email provider, relaying through a plain
// SMTP host when SES is unavailable.
type SMTPProvider struct {
	addr   string
	auth   smtp.Auth
	from   string
	logger *zap.Logger

	// send is swapped out in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func NewSMTPProvider(cfg SMTPConfig, logger *zap.Logger) *SMTPProvider {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPProvider{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth:   auth,
		from:   cfg.From,
		logger: logger,
		send:   smtp.SendMail,
	}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Channel() string { return db.ChannelEmail }

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", errs.Validationf("email message missing recipient")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	// net/smtp has no context support; honor cancellation before dialing.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := p.send(p.addr, p.auth, p.from, []string{msg.To}, []byte(b.String())); err != nil {
		return "", fmt.Errorf("smtp send failed: %w", err)
	}

	p.logger.Info("email sent via SMTP relay",
		zap.String("to", msg.To),
		zap.String("relay", p.addr),
	)

	return "", nil
}
