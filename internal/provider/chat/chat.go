// Package chat delivers notifications as Telegram bot messages.
package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pewnotify/internal/notify"
	"pewnotify/internal/provider"
	kit "pewnotify/internal/transport"
)

type Config struct {
	// ParseMode is used when the send options do not set "parse_mode".
	ParseMode string
}

type Provider struct {
	cfg    Config
	sender kit.Sender
}

// New returns the chat provider. A nil sender (no bot token) yields an
// unconfigured provider.
func New(cfg Config, sender kit.Sender) *Provider {
	return &Provider{cfg: cfg, sender: sender}
}

func (p *Provider) Name() notify.Channel { return notify.ChannelChat }

func (p *Provider) Configured() bool { return p != nil && p.sender != nil }

func (p *Provider) Attempt(ctx context.Context, recipient, message string, opt notify.Options) (provider.Receipt, error) {
	if !p.Configured() {
		return nil, provider.ErrNotConfigured
	}
	to, err := parseTarget(recipient)
	if err != nil {
		return nil, err
	}
	ref, err := p.sender.SendText(ctx, to, message, &kit.SendOptions{
		ParseMode:      opt.Get("parse_mode", p.cfg.ParseMode),
		DisablePreview: opt.Bool("disable_web_page_preview", true),
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	r := provider.Receipt{"message_id": strconv.Itoa(ref.MessageID)}
	if ref.ChatID != 0 {
		r["chat_id"] = strconv.FormatInt(ref.ChatID, 10)
	}
	return r, nil
}

// parseTarget accepts a numeric chat id or an "@username".
func parseTarget(recipient string) (kit.ChatTarget, error) {
	s := strings.TrimSpace(recipient)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id != 0 {
		return kit.ChatTarget{ChatID: id}, nil
	}
	if strings.HasPrefix(s, "@") && len(s) > 1 {
		return kit.ChatTarget{Username: s}, nil
	}
	return kit.ChatTarget{}, fmt.Errorf("telegram: invalid chat id %q", recipient)
}
