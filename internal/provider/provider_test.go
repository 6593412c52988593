package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pewnotify/internal/notify"
)

func ok(context.Context, string, string, notify.Options) (Receipt, error) { return nil, nil }

func TestNewSet(t *testing.T) {
	t.Parallel()

	s, err := NewSet(
		Func{Channel: notify.ChannelSMS, Ready: true, Fn: ok},
		nil,
		Func{Channel: notify.ChannelChat, Ready: true, Fn: ok},
		Func{Channel: notify.ChannelEmail},
	)
	require.NoError(t, err)
	require.Len(t, s, 3)
	require.Equal(t, []notify.Channel{notify.ChannelChat, notify.ChannelSMS}, s.Configured())

	_, found := s.Lookup(notify.ChannelEmail)
	require.False(t, found)

	_, err = NewSet(Func{Channel: notify.ChannelSMS}, Func{Channel: notify.ChannelSMS})
	require.Error(t, err)

	_, err = NewSet(Func{Channel: "fax"})
	require.Error(t, err)
}
