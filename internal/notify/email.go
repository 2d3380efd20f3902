package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/retry"
)

// ErrEmail wraps delivery failures so escalation can proceed without mail.
var ErrEmail = errors.New("notify: escalation email failed")

// EscalationSender delivers escalation notices to channel owners.
type EscalationSender interface {
	SendEscalation(ctx context.Context, recipients []string, subject, body string) error
}

// sendFunc matches smtp.SendMail, injectable for tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends escalation email over plain SMTP.
type SMTPSender struct {
	addr   string
	auth   smtp.Auth
	from   string
	send   sendFunc
	retry  retry.Config
	logger *logging.Logger
}

// NewSMTPSender builds a sender from configuration.
func NewSMTPSender(cfg config.EmailConfig, logger *logging.Logger) *SMTPSender {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password.Value(), cfg.Host)
	}
	return &SMTPSender{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth:   auth,
		from:   cfg.From,
		send:   smtp.SendMail,
		retry:  retry.DefaultConfig(),
		logger: logger.Named("email"),
	}
}

// SendEscalation delivers one message to all recipients. Failures are
// retried and then surfaced as ErrEmail.
func (s *SMTPSender) SendEscalation(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return nil
	}

	msg := buildMessage(s.from, recipients, subject, body)
	err := retry.Do(ctx, s.retry, func() error {
		return s.send(s.addr, s.auth, s.from, recipients, msg)
	})
	if err != nil {
		s.logger.Error(ctx, "escalation email failed",
			zap.Strings("recipients", recipients),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrEmail, err)
	}

	s.logger.Info(ctx, "escalation email sent",
		zap.Strings("recipients", recipients),
		zap.String("subject", subject))
	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
