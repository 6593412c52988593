// Package email delivers notifications by email, either through an HTTP
// transactional email API or directly over SMTP.
package email

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pewnotify/internal/notify"
	"pewnotify/internal/provider"
)

const (
	DefaultBaseURL = "https://api.brevo.com"
	DefaultSubject = "Notification"
)

type Config struct {
	Driver      string // "api" (default) or "smtp"
	APIKey      string
	BaseURL     string
	SenderEmail string
	SenderName  string
	Subject     string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
}

// message is the driver-independent mail to deliver.
type message struct {
	FromEmail string
	FromName  string
	To        string
	Subject   string
	Text      string
	HTML      string
}

// transport sends one message and returns provider ids.
type transport interface {
	configured() bool
	send(ctx context.Context, m message) (provider.Receipt, error)
}

type Provider struct {
	cfg Config
	tr  transport
}

// New builds the email provider for cfg.Driver. client is used by the API
// driver and may be nil.
func New(cfg Config, client *http.Client) *Provider {
	p := &Provider{cfg: cfg}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "smtp":
		p.tr = newSMTP(cfg)
	default:
		p.tr = newAPI(cfg, client)
	}
	return p
}

func (p *Provider) Name() notify.Channel { return notify.ChannelEmail }

func (p *Provider) Configured() bool {
	return p != nil && p.tr != nil && p.tr.configured() && strings.TrimSpace(p.cfg.SenderEmail) != ""
}

func (p *Provider) Attempt(ctx context.Context, recipient, text string, opt notify.Options) (provider.Receipt, error) {
	if !p.Configured() {
		return nil, provider.ErrNotConfigured
	}
	to := strings.TrimSpace(recipient)
	if !strings.Contains(to, "@") {
		return nil, fmt.Errorf("email: invalid address %q", recipient)
	}
	return p.tr.send(ctx, message{
		FromEmail: opt.Get("from_email", p.cfg.SenderEmail),
		FromName:  p.cfg.SenderName,
		To:        to,
		Subject:   opt.Get("subject", defaultString(p.cfg.Subject, DefaultSubject)),
		Text:      text,
		HTML:      opt.Get("html_message", ""),
	})
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
