package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "pewnotify/internal/transport"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))
	log.Debug("hidden")
	log.With(Int64("user_id", 7)).Warn("attempt failed", Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	require.Equal(t, "warn", m["level"])
	require.Equal(t, "attempt failed", m["message"])
	require.Equal(t, "dispatch", m["comp"])
	require.EqualValues(t, 7, m["user_id"])
	require.Equal(t, "boom", m["err"])
	require.Contains(t, m["caller"], "logx_test.go:")
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	require.True(t, zero.IsZero())
	zero.Info("dropped")
	require.False(t, zero.With(String("k", "v")).IsZero())

	nop := Nop()
	require.False(t, nop.IsZero())
	nop.Error("dropped")
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"warn","time":"x","message":"attempt failed","user_id":7,"channel":"sms"}`))
	require.Equal(t, "[WARN] attempt failed\n- channel=sms\n- user_id=7", got)
	require.Equal(t, "plain text", formatAlert([]byte(" plain text \n")))
	require.Equal(t, "abcdefg...", clip("abcdefghijklmnop", 10))
}

type chatSink struct {
	mu   sync.Mutex
	sent []kit.ChatTarget
}

func (c *chatSink) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to)
	return kit.MessageRef{}, nil
}

func (c *chatSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestServiceAlertsAndFile(t *testing.T) {
	t.Parallel()

	sink := &chatSink{}
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, log := New(Config{
		Level:    "debug",
		File:     FileConfig{Enabled: true, Path: path},
		Telegram: TelegramConfig{Enabled: true, ThreadID: 3, RatePerSec: 5},
	}, sink)
	svc.stderr = &bytes.Buffer{}
	svc.SetTelegramTarget(-100, 0)

	log.Info("below alert level")
	log.Error("provider down", String("channel", "email"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	require.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 3}, sink.sent[0])
	sink.mu.Unlock()

	// Disabling the target stops alerts; the file keeps logging.
	svc.SetTelegramTarget(0, 0)
	log.Error("not forwarded")
	require.NoError(t, svc.Close())
	require.Equal(t, 1, sink.count())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "below alert level")
	require.Contains(t, string(b), "not forwarded")
}

func TestServiceApplySwapsLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}, nil)
	child := log.With(String("comp", "batch"))
	child.Info("before")

	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	child.Info("after")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(b), "before")
	require.Contains(t, string(b), `"comp":"batch"`)
	require.Contains(t, string(b), "after")
}
