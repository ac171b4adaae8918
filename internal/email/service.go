package email

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

type Service interface {
	SendWelcome(ctx context.Context, email string, name string) error
	SendCustom(ctx context.Context, to string, subject string, content string) error
}

// Config holds the SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	LoginURL string
}

// sender is the part of gomail.Dialer the mailer uses.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type smtpService struct {
	cfg    Config
	dialer sender
	logger zerolog.Logger
}

func NewSMTPService(cfg Config, logger zerolog.Logger) Service {
	return &smtpService{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger.With().Str("component", "email").Logger(),
	}
}

func (s *smtpService) SendWelcome(ctx context.Context, to, name string) error {
	body := fmt.Sprintf(
		"<p>Hello %s,</p><p>An account has been created for you on the medical records portal.</p>",
		name,
	)
	if s.cfg.LoginURL != "" {
		body += fmt.Sprintf(`<p>You can sign in at <a href="%s">%s</a>.</p>`, s.cfg.LoginURL, s.cfg.LoginURL)
	}
	return s.SendCustom(ctx, to, "Your account is ready", body)
}

func (s *smtpService) SendCustom(ctx context.Context, to, subject, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", content)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	s.logger.Debug().Str("subject", subject).Msg("mail sent")
	return nil
}

// Nop drops every message. Used when SMTP is disabled.
type Nop struct{}

func (Nop) SendWelcome(context.Context, string, string) error          { return nil }
func (Nop) SendCustom(context.Context, string, string, string) error { return nil }
