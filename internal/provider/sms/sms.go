// Package sms delivers notifications through the Exolve SMS HTTP gateway.
package sms

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pewnotify/internal/notify"
	"pewnotify/internal/provider"
)

const DefaultBaseURL = "https://api.exolve.ru"

type Config struct {
	AuthToken string
	// PhoneNumber is the sender number, digits only.
	PhoneNumber string
	BaseURL     string
}

type Provider struct {
	token   string
	from    string
	baseURL string
	client  *http.Client
}

func New(cfg Config, client *http.Client) *Provider {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if client == nil {
		client = provider.DefaultHTTPClient()
	}
	return &Provider{
		token:   strings.TrimSpace(cfg.AuthToken),
		from:    strings.TrimLeft(strings.TrimSpace(cfg.PhoneNumber), "+"),
		baseURL: strings.TrimRight(base, "/"),
		client:  client,
	}
}

func (p *Provider) Name() notify.Channel { return notify.ChannelSMS }

func (p *Provider) Configured() bool { return p != nil && p.token != "" && p.from != "" }

type sendRequest struct {
	Number      string `json:"number"`
	Destination string `json:"destination"`
	Text        string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (p *Provider) Attempt(ctx context.Context, recipient, message string, opt notify.Options) (provider.Receipt, error) {
	if !p.Configured() {
		return nil, provider.ErrNotConfigured
	}
	to := strings.TrimLeft(strings.TrimSpace(recipient), "+")
	if to == "" {
		return nil, fmt.Errorf("sms: empty destination")
	}

	var resp sendResponse
	err := provider.PostJSON(ctx, p.client, "sms", p.baseURL+"/messaging/v1/SendSMS",
		map[string]string{"Authorization": "Bearer " + p.token},
		sendRequest{
			Number:      strings.TrimLeft(opt.Get("from_phone", p.from), "+"),
			Destination: to,
			Text:        message,
		},
		&resp,
	)
	if err != nil {
		return nil, err
	}
	if resp.MessageID == "" {
		return nil, fmt.Errorf("sms: gateway returned no message id")
	}
	return provider.Receipt{"message_id": resp.MessageID}, nil
}
