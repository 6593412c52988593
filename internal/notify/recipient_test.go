package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		user User
		ch   Channel
		want string
		ok   bool
	}{
		{"chat id", User{ChatID: " 12345 "}, ChannelChat, "12345", true},
		{"chat missing", User{}, ChannelChat, "", false},
		{"sms strips plus", User{Phone: "+79991234567"}, ChannelSMS, "79991234567", true},
		{"sms strips many plus", User{Phone: "++1555"}, ChannelSMS, "1555", true},
		{"sms non digit", User{Phone: "+abc123"}, ChannelSMS, "", false},
		{"sms only plus", User{Phone: "+"}, ChannelSMS, "", false},
		{"sms empty", User{}, ChannelSMS, "", false},
		{"email prefers notification", User{NotificationEmail: "n@x.io", Email: "l@x.io"}, ChannelEmail, "n@x.io", true},
		{"email falls back", User{Email: "l@x.io"}, ChannelEmail, "l@x.io", true},
		{"email missing", User{}, ChannelEmail, "", false},
		{"unknown channel", User{ChatID: "1"}, Channel("pigeon"), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Resolve(&tc.user, tc.ch)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}

	_, ok := Resolve(nil, ChannelChat)
	require.False(t, ok)
}

func TestParseChannel(t *testing.T) {
	t.Parallel()

	ch, ok := ParseChannel("Telegram")
	require.True(t, ok)
	require.Equal(t, ChannelChat, ch)

	_, ok = ParseChannel("fax")
	require.False(t, ok)

	require.Equal(t,
		[]Channel{ChannelSMS, "fax", ChannelChat},
		ParsePriority([]string{"sms", "fax", "telegram"}),
	)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	require.True(t, CanTransition(StatusPending, StatusSent))
	require.True(t, CanTransition(StatusPending, StatusFailed))
	require.True(t, CanTransition(StatusSent, StatusDelivered))
	require.True(t, CanTransition(StatusDelivered, StatusRead))
	require.True(t, CanTransition(StatusSent, StatusRead))

	require.False(t, CanTransition(StatusSent, StatusFailed))
	require.False(t, CanTransition(StatusFailed, StatusSent))
	require.False(t, CanTransition(StatusPending, StatusRead))
	require.False(t, CanTransition(StatusSent, StatusSent))
}

func TestOptions(t *testing.T) {
	t.Parallel()

	o := Options{"subject": "Hi", "disable_web_page_preview": "false"}
	require.Equal(t, "Hi", o.Get("subject", "x"))
	require.Equal(t, "x", o.Get("from_email", "x"))
	require.False(t, o.Bool("disable_web_page_preview", true))
	require.True(t, o.Bool("missing", true))

	var nilOpts Options
	require.Equal(t, "d", nilOpts.Get("k", "d"))
}
