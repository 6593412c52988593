package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "pewnotify/internal/transport"
	logx "pewnotify/pkg/logx"
)

func TestRecipientOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "42", recipientOf(kit.ChatTarget{ChatID: 42}).Recipient())
	require.Equal(t, "@news", recipientOf(kit.ChatTarget{Username: "@news"}).Recipient())
}

func TestToMessage(t *testing.T) {
	t.Parallel()

	require.Nil(t, toMessage(nil))
	require.Nil(t, toMessage(&tele.Message{Text: "/help"}))

	got := toMessage(&tele.Message{
		ID:       5,
		Text:     "/status",
		ThreadID: 9,
		Chat:     &tele.Chat{ID: -100},
		Sender:   &tele.User{ID: 42, Username: "ops"},
	})
	require.Equal(t, &kit.Message{ID: 5, ChatID: -100, ThreadID: 9, FromID: 42, FromUsername: "ops", Text: "/status"}, got)
}

func TestForwardDropsWhenFull(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Token: "1:x", Offline: true}, logx.Nop())
	require.NoError(t, err)

	a.forward(kit.Update{})
	require.Zero(t, a.dropped.Load(), "no consumer yet")

	out := make(chan kit.Update, 1)
	var send chan<- kit.Update = out
	a.out.Store(&send)
	a.forward(kit.Update{Message: &kit.Message{Text: "a"}})
	a.forward(kit.Update{Message: &kit.Message{Text: "b"}})
	require.EqualValues(t, 1, a.dropped.Load())
	require.Equal(t, "a", (<-out).Message.Text)
}
