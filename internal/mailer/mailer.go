// Package mailer delivers password-reset tokens over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	mail "github.com/go-mail/mail/v2"
)

// Config carries SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender implements auth.Sender over SMTP.
type SMTPSender struct {
	dialer *mail.Dialer
	from   string
}

// NewSMTPSender validates the config and builds a sender.
func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, errors.New("mailer: host and port are required")
	}
	if cfg.From == "" {
		return nil, errors.New("mailer: from address is required")
	}
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = 30 * time.Second
	switch cfg.Port {
	case 587:
		dialer.StartTLSPolicy = mail.MandatoryStartTLS
	case 465:
		dialer.SSL = true
		dialer.StartTLSPolicy = mail.NoStartTLS
	default:
		dialer.StartTLSPolicy = mail.OpportunisticStartTLS
	}
	return &SMTPSender{dialer: dialer, from: cfg.From}, nil
}

// SendPasswordReset delivers a single-use reset token to the account email.
// The token never appears in logs; only the recipient sees it.
func (s *SMTPSender) SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error {
	msg := mail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", "Password reset")
	msg.SetBody("text/plain", fmt.Sprintf(
		"A password reset was requested for your account.\n\n"+
			"Reset token: %s\n\n"+
			"The token is valid until %s and can be used once.\n"+
			"If you did not request a reset, ignore this message.",
		token, expiresAt.UTC().Format(time.RFC3339),
	))

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send reset mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
