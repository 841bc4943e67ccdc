// Package notify sends escalation emails to a timer's contacts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"safety-timer/internal/config"
)

// Sender delivers one HTML email. A nil error means the message was accepted.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// NewFromConfig picks SMTP when a host is configured and logging otherwise,
// wrapped in a rate limiter when EmailRatePerSec is positive.
func NewFromConfig(cfg config.Config, log zerolog.Logger) (Sender, error) {
	var s Sender
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		smtpSender, err := NewSMTPSender(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
		if err != nil {
			return nil, err
		}
		s = smtpSender
	} else {
		s = NewLogSender(log)
	}
	if cfg.EmailRatePerSec > 0 {
		s = NewRateLimited(s, cfg.EmailRatePerSec)
	}
	return s, nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender submits mail through an SMTP relay, upgrading to TLS when the
// relay offers it and using PLAIN auth when credentials are set.
type SMTPSender struct {
	cfg     SMTPConfig
	opts    []mail.Option
	deliver func(ctx context.Context, m *mail.Msg) error
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	s := &SMTPSender{cfg: cfg, opts: opts}
	s.deliver = s.dialAndSend
	return s, nil
}

// dialAndSend opens a fresh relay connection for each message.
func (s *SMTPSender) dialAndSend(ctx context.Context, m *mail.Msg) error {
	c, err := mail.NewClient(s.cfg.Host, s.opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return c.DialAndSendWithContext(ctx, m)
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := s.message(to, subject, htmlBody)
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

func (s *SMTPSender) message(to, subject, htmlBody string) (*mail.Msg, error) {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return nil, errors.New("header values must not contain line breaks")
	}
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("from address %q: %w", s.cfg.From, err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", to, err)
	}
	m.Subject(subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextHTML, htmlBody)
	return m, nil
}

// LogSender writes the message to the log instead of sending it.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "email").Logger()}
}

func (s *LogSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info().Str("to", to).Str("subject", subject).Int("body_bytes", len(htmlBody)).Msg("email notification")
	return nil
}

// RateLimited paces sends through a shared token bucket.
type RateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

func NewRateLimited(next Sender, perSecond int) *RateLimited {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

func (r *RateLimited) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("email rate limit: %w", err)
	}
	return r.next.Send(ctx, to, subject, htmlBody)
}
