package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "${PEWNOTIFY_TEST_TOKEN}"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: info
  console: true
storage:
  driver: memory
dispatch:
  default_priority: [telegram, email, sms]
  attempt_timeout: 15s
  channel_timeouts:
    sms: 5s
batch:
  timeout: 90s
  workers: 8
providers:
  email:
    driver: api
    api_key: "${PEWNOTIFY_TEST_EMAIL_KEY}"
    sender_email: noreply@example.com
  sms:
    auth_token: "tok"
    phone_number: "79990000000"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("PEWNOTIFY_TEST_TOKEN", "123:abc")
	t.Setenv("PEWNOTIFY_TEST_EMAIL_KEY", "xkey")

	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "123:abc", cfg.Telegram.Token)
	require.Equal(t, "xkey", cfg.Providers.Email.APIKey)
	require.Equal(t, []string{"telegram", "email", "sms"}, cfg.Dispatch.DefaultPriority)
	require.Equal(t, "5s", cfg.Dispatch.ChannelTimeouts["sms"])
	require.Equal(t, 8, cfg.Batch.Workers)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"},"bogus":1}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bad duration":     `{"dispatch":{"attempt_timeout":"soon"}}`,
		"bad channel":      `{"dispatch":{"default_priority":["pigeon"]}}`,
		"bad driver":       `{"storage":{"driver":"mongo"}}`,
		"console no token": `{"telegram":{"console":true}}`,
		"negative workers": `{"batch":{"workers":-1}}`,
		"janitor schedule": `{"janitor":{"enabled":true}}`,
		"metrics no addr":  `{"metrics":{"enabled":true}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode("c.json", []byte(body))
			require.Error(t, err)
		})
	}

	_, err := Decode("c.json", []byte(`{}`))
	require.NoError(t, err)
}

func TestExpandEnvLeavesBareDollar(t *testing.T) {
	t.Setenv("PEWNOTIFY_X", "v")
	require.Equal(t, "a$b-v-", expandEnv("a$b-${PEWNOTIFY_X}-${PEWNOTIFY_UNSET_XYZ}"))
}

func TestLoadEnvMissingFile(t *testing.T) {
	t.Parallel()
	require.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "nope.env")))
	require.NoError(t, LoadEnv(""))
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Batch: BatchConfig{Workers: 4}}
	b := &Config{Batch: BatchConfig{Workers: 8}, Storage: StorageConfig{Driver: "sqlite"}}
	changed, restart, attrs := SummarizeConfigChange(a, b)
	require.Equal(t, []string{"batch"}, changed)
	require.Equal(t, []string{"storage"}, restart)
	require.NotEmpty(t, attrs)
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"batch":{"workers":1}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	sub, unsub := m.Subscribe(1)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"batch":{"workers":2}}`), 0o600))

	select {
	case cfg := <-sub:
		require.Equal(t, 2, cfg.Batch.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestParseDurationDays(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("janitor.retention", "7d")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, d)

	d, err = ParseDurationField("janitor.retention", "1d12h")
	require.NoError(t, err)
	require.Equal(t, 36*time.Hour, d)

	for _, bad := range []string{"xd", "-2d", "1d-3h", "d"} {
		_, err := ParseDurationField("janitor.retention", bad)
		require.Error(t, err, bad)
	}
}

func TestDecodeSniffsFormat(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config", []byte(`{"batch":{"workers":3}}`))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Batch.Workers)

	cfg, err = Decode("config", []byte("batch:\n  workers: 5\n"))
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Batch.Workers)

	cfg, err = Decode("empty.yaml", nil)
	require.NoError(t, err)
	require.Zero(t, cfg.Batch.Workers)
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.yaml")
	ch, unsub := m.Subscribe(1)
	m.publish(&Config{Batch: BatchConfig{Workers: 1}})
	m.publish(&Config{Batch: BatchConfig{Workers: 2}})

	cfg := <-ch
	require.Equal(t, 2, cfg.Batch.Workers)

	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	m.publish(&Config{})
}

func TestReloadRejectedByCheck(t *testing.T) {
	t.Parallel()

	p := writeFile(t, t.TempDir(), "config.yaml", "batch:\n  workers: 1\n")
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	require.False(t, m.reload(context.Background()), "unchanged file")

	require.NoError(t, os.WriteFile(p, []byte("batch:\n  workers: 9\n"), 0o600))
	m.SetValidator(func(context.Context, *Config) error { return errors.New("no") })
	require.False(t, m.reload(context.Background()))
	require.Equal(t, 1, m.Get().Batch.Workers)

	m.SetValidator(nil)
	require.True(t, m.reload(context.Background()))
	require.Equal(t, 9, m.Get().Batch.Workers)
}
