package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pewnotify/internal/notify"
	logx "pewnotify/pkg/logx"
)

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "test.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestAttemptLifecycle(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.Create(ctx, 7, "hello", notify.ChannelChat)
		require.NoError(t, err)
		n, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, notify.StatusPending, n.Status)
		require.EqualValues(t, 7, n.UserID)
		require.Equal(t, "hello", n.Message)
		require.Equal(t, notify.ChannelChat, n.Channel)
		require.Nil(t, n.SentAt)
		require.False(t, n.CreatedAt.IsZero())

		require.NoError(t, s.MarkSent(ctx, id, map[string]string{"channel": "chat", "recipient": "42"}))
		n, err = s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, notify.StatusSent, n.Status)
		require.NotNil(t, n.SentAt)
		require.Equal(t, "42", n.ProviderMetadata["recipient"])
		sentAt := *n.SentAt

		require.ErrorIs(t, s.MarkSent(ctx, id, nil), ErrInvalidTransition)
		require.ErrorIs(t, s.MarkFailed(ctx, id, "x"), ErrInvalidTransition)
		require.NoError(t, s.MarkDelivered(ctx, id))
		require.NoError(t, s.MarkRead(ctx, id))
		require.ErrorIs(t, s.MarkRead(ctx, id), ErrInvalidTransition)

		n, err = s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, notify.StatusRead, n.Status)
		require.True(t, sentAt.Equal(*n.SentAt), "sent_at is set once")

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.MarkSent(ctx, "missing", nil), ErrNotFound)
	})
}

func TestMarkFailedStoresReason(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Create(ctx, 1, "m", notify.ChannelSMS)
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, id, "no recipient"))

		n, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, notify.StatusFailed, n.Status)
		require.Equal(t, "no recipient", n.ProviderMetadata[notify.MetaError])
		require.Nil(t, n.SentAt)
		require.ErrorIs(t, s.MarkDelivered(ctx, id), ErrInvalidTransition)
	})
}

func TestListAttemptsFilters(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old, err := s.Create(ctx, 1, "old", notify.ChannelChat)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		since := time.Now()
		time.Sleep(5 * time.Millisecond)

		a, _ := s.Create(ctx, 1, "a", notify.ChannelChat)
		b, _ := s.Create(ctx, 2, "b", notify.ChannelEmail)
		c, _ := s.Create(ctx, 3, "c", notify.ChannelSMS)
		require.NoError(t, s.MarkFailed(ctx, b, "boom"))

		all, err := s.ListAttempts(ctx, AttemptFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{old, a, b, c}, ids(all))

		got, err := s.ListAttempts(ctx, AttemptFilter{UserIDs: []int64{1, 2}, Since: since})
		require.NoError(t, err)
		require.Equal(t, []string{a, b}, ids(got))

		got, err = s.ListAttempts(ctx, AttemptFilter{Status: notify.StatusFailed})
		require.NoError(t, err)
		require.Equal(t, []string{b}, ids(got))

		got, err = s.ListAttempts(ctx, AttemptFilter{Channel: notify.ChannelSMS})
		require.NoError(t, err)
		require.Equal(t, []string{c}, ids(got))

		got, err = s.ListAttempts(ctx, AttemptFilter{Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{b, c}, ids(got))
	})
}

func ids(ns []notify.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}

func TestFailStale(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		stuck, _ := s.Create(ctx, 1, "m", notify.ChannelChat)
		live, _ := s.Create(ctx, 1, "m", notify.ChannelChat)
		done, _ := s.Create(ctx, 1, "m", notify.ChannelEmail)
		require.NoError(t, s.MarkSent(ctx, done, nil))
		time.Sleep(5 * time.Millisecond)
		cutoff := time.Now()
		fresh, _ := s.Create(ctx, 1, "m", notify.ChannelSMS)

		n, err := s.FailStale(ctx, cutoff, "abandoned", []string{live, "missing"})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, _ := s.Get(ctx, live)
		require.Equal(t, notify.StatusPending, got.Status)
		n, err = s.FailStale(ctx, cutoff, "abandoned", nil)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, _ = s.Get(ctx, stuck)
		require.Equal(t, notify.StatusFailed, got.Status)
		require.Equal(t, "abandoned", got.ProviderMetadata[notify.MetaError])
		got, _ = s.Get(ctx, done)
		require.Equal(t, notify.StatusSent, got.Status)
		got, _ = s.Get(ctx, fresh)
		require.Equal(t, notify.StatusPending, got.Status)
	})
}

func TestUsers(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.UpsertUser(ctx, notify.User{ID: 2, Username: "bob", Email: "b@x.io"}))
		require.NoError(t, s.UpsertUser(ctx, notify.User{ID: 1, Username: "root", IsAdmin: true}))
		require.NoError(t, s.UpsertUser(ctx, notify.User{ID: 3, Username: "eve", ChatID: "33"}))
		require.NoError(t, s.UpsertUser(ctx, notify.User{ID: 2, Username: "bob", Email: "bob@x.io", Phone: "+1"}))

		u, err := s.GetUser(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, "bob@x.io", u.Email)
		require.Equal(t, "+1", u.Phone)

		_, err = s.GetUser(ctx, 99)
		require.ErrorIs(t, err, ErrNotFound)

		all, err := s.ListUsers(ctx, UserFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.EqualValues(t, 1, all[0].ID)
		require.True(t, all[0].IsAdmin)

		got, err := s.ListUsers(ctx, UserFilter{IDs: []int64{1, 3, 99}, ExcludeAdmins: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.EqualValues(t, 3, got[0].ID)
	})
}

func TestBatches(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		start := time.Now().Add(-time.Hour)
		require.NoError(t, s.PutBatch(ctx, Batch{Key: "k1", UserIDs: []int64{1, 2}, Message: "hi", StartedAt: start}))
		require.NoError(t, s.PutBatch(ctx, Batch{Key: "k2", UserIDs: []int64{3}, StartedAt: time.Now()}))

		b, err := s.GetBatch(ctx, "k1")
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, b.UserIDs)
		require.Equal(t, "hi", b.Message)
		require.True(t, start.Equal(b.StartedAt))
		require.Nil(t, b.FinishedAt)

		first := time.Now().Add(-30 * time.Minute)
		require.NoError(t, s.FinishBatch(ctx, "k1", first))
		require.NoError(t, s.FinishBatch(ctx, "k1", time.Now()))
		b, _ = s.GetBatch(ctx, "k1")
		require.NotNil(t, b.FinishedAt)
		require.True(t, first.Equal(*b.FinishedAt))
		require.ErrorIs(t, s.FinishBatch(ctx, "nope", time.Now()), ErrNotFound)

		list, err := s.ListBatches(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "k2", list[0].Key)

		n, err := s.DeleteFinishedBatches(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		_, err = s.GetBatch(ctx, "k1")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetBatch(ctx, "k2")
		require.NoError(t, err)
	})
}

func TestConcurrentWrites(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func(uid int64) {
				defer wg.Done()
				id, err := s.Create(ctx, uid, "m", notify.ChannelChat)
				if err != nil {
					t.Error(err)
					return
				}
				if err := s.MarkSent(ctx, id, map[string]string{"n": "1"}); err != nil {
					t.Error(err)
				}
			}(int64(i))
		}
		wg.Wait()
		got, err := s.ListAttempts(ctx, AttemptFilter{Status: notify.StatusSent})
		require.NoError(t, err)
		require.Len(t, got, 20)
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}
