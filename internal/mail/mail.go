// Package mail delivers the transactional emails of the account system:
// address verification and password reset.
package mail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"

	gomail "github.com/wneessen/go-mail"
)

// Mailer is the outbound delivery capability consumed by the user service.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, firstName, userID, token string) error
	SendPasswordResetEmail(ctx context.Context, to, firstName, token string) error
}

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// FrontendURL is the base for the links embedded in emails.
	FrontendURL string
}

// SMTPMailer sends mail over SMTP using go-mail.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer validates the configuration and returns an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mail: SMTP host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("mail: from address is required")
	}
	return &SMTPMailer{cfg: cfg}, nil
}

func (m *SMTPMailer) SendVerificationEmail(ctx context.Context, to, firstName, userID, token string) error {
	link := fmt.Sprintf("%s/verify-email?token=%s&userId=%s",
		m.cfg.FrontendURL, url.QueryEscape(token), url.QueryEscape(userID))
	body := fmt.Sprintf(
		"Hi %s,\n\nPlease verify your email address by following this link:\n\n%s\n\nThe link is valid for one hour.\n",
		firstName, link)
	return m.send(ctx, to, "Kindly verify your email", body)
}

func (m *SMTPMailer) SendPasswordResetEmail(ctx context.Context, to, firstName, token string) error {
	link := fmt.Sprintf("%s/reset-password?token=%s&email=%s",
		m.cfg.FrontendURL, url.QueryEscape(token), url.QueryEscape(to))
	body := fmt.Sprintf(
		"Hi %s,\n\nReset your password by following this link:\n\n%s\n\nThe link is valid for one hour. If you did not request a reset, ignore this email.\n",
		firstName, link)
	return m.send(ctx, to, "Reset your password", body)
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMsg()
	if m.cfg.FromName != "" {
		if err := msg.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
			return fmt.Errorf("mail: from address: %w", err)
		}
	} else {
		if err := msg.From(m.cfg.From); err != nil {
			return fmt.Errorf("mail: from address: %w", err)
		}
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mail: to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	opts := []gomail.Option{gomail.WithPort(m.cfg.Port)}
	if m.cfg.Username != "" && m.cfg.Password != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password),
		)
	}
	client, err := gomail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail: client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send: %w", err)
	}
	return nil
}

// LogMailer logs instead of sending. Used when SMTP is not configured,
// so development environments can complete signup and reset flows. The
// token itself is never logged, only a fingerprint.
type LogMailer struct{}

func (LogMailer) SendVerificationEmail(_ context.Context, to, _, userID, token string) error {
	slog.Info("verification_email_suppressed",
		"to", to, "user_id", userID, "token_fingerprint", fingerprint(token))
	return nil
}

func (LogMailer) SendPasswordResetEmail(_ context.Context, to, _, token string) error {
	slog.Info("password_reset_email_suppressed",
		"to", to, "token_fingerprint", fingerprint(token))
	return nil
}

// fingerprint identifies a token in logs without disclosing it.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
