package email

import (
	"context"
	"fmt"
	"strings"

	gomail "gopkg.in/gomail.v2"

	"pewnotify/internal/provider"
)

// smtpTransport sends through a mail server with gomail. gomail has no
// context support, so the dial runs in a goroutine raced against ctx.
type smtpTransport struct {
	dialer *gomail.Dialer
	// dial is swapped in tests.
	dial func(d *gomail.Dialer, m *gomail.Message) error
}

func newSMTP(cfg Config) *smtpTransport {
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	t := &smtpTransport{
		dial: func(d *gomail.Dialer, m *gomail.Message) error { return d.DialAndSend(m) },
	}
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		t.dialer = gomail.NewDialer(cfg.SMTPHost, port, cfg.SMTPUser, cfg.SMTPPassword)
	}
	return t
}

func (t *smtpTransport) configured() bool { return t.dialer != nil }

func (t *smtpTransport) send(ctx context.Context, m message) (provider.Receipt, error) {
	msg := gomail.NewMessage()
	if m.FromName != "" {
		msg.SetAddressHeader("From", m.FromEmail, m.FromName)
	} else {
		msg.SetHeader("From", m.FromEmail)
	}
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.Text)
	if m.HTML != "" {
		msg.AddAlternative("text/html", m.HTML)
	}

	done := make(chan error, 1)
	go func() { done <- t.dial(t.dialer, msg) }()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("email: smtp: %w", err)
		}
		return provider.Receipt{"transport": "smtp"}, nil
	}
}
