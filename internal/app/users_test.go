package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pewnotify/internal/config"
	"pewnotify/internal/notify"
	"pewnotify/internal/storage"
	logx "pewnotify/pkg/logx"
)

func TestSeedUsers(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: 1
    username: alice
    chat_id: " 100 "
    phone: "+15550001"
    email: alice@example.com
  - id: 2
    username: ops
    notification_email: ops@example.com
    admin: true
`), 0o600))

	st := storage.NewMemory()
	n, err := SeedUsers(context.Background(), st, path, logx.Nop())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	u, err := st.GetUser(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, notify.User{ID: 1, Username: "alice", ChatID: "100", Phone: "+15550001", Email: "alice@example.com"}, u)

	users, err := st.ListUsers(context.Background(), storage.UserFilter{ExcludeAdmins: true})
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestParseUsersRejectsBadInput(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"duplicate": "users:\n  - id: 1\n  - id: 1\n",
		"zero id":   "users:\n  - id: 0\n",
		"bad email": "users:\n  - id: 1\n    email: nope\n",
		"unknown":   "users:\n  - id: 1\n    fax: 123\n",
	}
	for name, in := range cases {
		_, err := parseUsers([]byte(in))
		require.Error(t, err, name)
	}

	users, err := parseUsers(nil)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestMapConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode("c.yaml", []byte(`
storage:
  driver: memory
dispatch:
  default_priority: [sms, telegram]
  attempt_timeout: 5s
  channel_timeouts:
    email: 30s
batch:
  workers: 4
janitor:
  enabled: true
  schedule: "@every 1m"
  stale_after: 2m
`))
	require.NoError(t, err)

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "memory", sc.Driver)

	dc, err := mapDispatchConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, []notify.Channel{notify.ChannelSMS, notify.ChannelChat}, dc.DefaultPriority)
	require.Equal(t, "5s", dc.AttemptTimeout.String())
	require.Equal(t, "30s", dc.ChannelTimeouts[notify.ChannelEmail].String())

	bc, err := mapBatchConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 4, bc.Workers)
	require.Equal(t, "1m30s", bc.Timeout.String())

	jc, err := mapJanitorConfig(cfg)
	require.NoError(t, err)
	require.True(t, jc.Enabled)
	require.Equal(t, "2m0s", jc.StaleAfter.String())

	require.NoError(t, validateRuntime(cfg, nil))

	empty := &config.Config{}
	sc, err = mapStorageConfig(empty)
	require.NoError(t, err)
	require.Equal(t, storage.Config{Driver: "sqlite", Path: defaultSQLitePath, BusyTimeout: sc.BusyTimeout}, sc)
	require.Equal(t, "5s", sc.BusyTimeout.String())
}

func TestStaleAfterMustOutlastTimeouts(t *testing.T) {
	t.Parallel()
	decode := func(body string) *config.Config {
		cfg, err := config.Decode("c.yaml", []byte(body))
		require.NoError(t, err)
		return cfg
	}

	// A per-channel timeout longer than stale_after.
	err := validateRuntime(decode(`
dispatch:
  attempt_timeout: 5s
  channel_timeouts:
    email: 3m
batch:
  timeout: 1m
janitor:
  enabled: true
  stale_after: 2m
`), nil)
	require.ErrorContains(t, err, "janitor.stale_after")

	// The batch timeout counts too.
	err = validateRuntime(decode(`
batch:
  timeout: 10m
janitor:
  enabled: true
  stale_after: 10m
`), nil)
	require.ErrorContains(t, err, "janitor.stale_after")

	// A disabled janitor never sweeps, so any value is accepted.
	require.NoError(t, validateRuntime(decode(`
janitor:
  enabled: false
  stale_after: 1s
`), nil))

	require.NoError(t, validateRuntime(decode(`
janitor:
  enabled: true
  stale_after: 15m
`), nil))
}
