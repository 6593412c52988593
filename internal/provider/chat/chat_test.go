package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pewnotify/internal/notify"
	kit "pewnotify/internal/transport"
)

type fakeSender struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
	err  error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.to, f.text, f.opt = to, text, opt
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 77}, nil
}

func TestAttemptSendsToChatID(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	p := New(Config{ParseMode: "HTML"}, s)
	require.True(t, p.Configured())

	r, err := p.Attempt(context.Background(), "12345", "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "77", r["message_id"])
	require.Equal(t, "12345", r["chat_id"])
	require.EqualValues(t, 12345, s.to.ChatID)
	require.Equal(t, "hello", s.text)
	require.Equal(t, "HTML", s.opt.ParseMode)
	require.True(t, s.opt.DisablePreview)
}

func TestAttemptOptionsOverride(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	p := New(Config{ParseMode: "HTML"}, s)
	_, err := p.Attempt(context.Background(), "@news", "x", notify.Options{
		"parse_mode":               "Markdown",
		"disable_web_page_preview": "false",
	})
	require.NoError(t, err)
	require.Equal(t, "@news", s.to.Username)
	require.Equal(t, "Markdown", s.opt.ParseMode)
	require.False(t, s.opt.DisablePreview)
}

func TestAttemptErrors(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil).Attempt(context.Background(), "1", "x", nil)
	require.Error(t, err)

	p := New(Config{}, &fakeSender{err: errors.New("chat not found")})
	_, err = p.Attempt(context.Background(), "1", "x", nil)
	require.EqualError(t, err, "telegram: chat not found")

	_, err = p.Attempt(context.Background(), "not-a-chat", "x", nil)
	require.Error(t, err)
}
