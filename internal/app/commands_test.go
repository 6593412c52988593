package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pewnotify/internal/batch"
	"pewnotify/internal/dispatch"
	"pewnotify/internal/notify"
	"pewnotify/internal/provider"
	"pewnotify/internal/storage"
	kit "pewnotify/internal/transport"
	logx "pewnotify/pkg/logx"
)

const ownerID = 42

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *captureSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.texts)}, nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

func (s *captureSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type consoleFixture struct {
	console *Console
	out     *captureSender
	store   *storage.Memory
	coord   *batch.Coordinator
}

func newConsoleFixture(t *testing.T, ps ...provider.Provider) *consoleFixture {
	t.Helper()
	st := storage.NewMemory()
	ctx := context.Background()
	for _, u := range []notify.User{
		{ID: 1, ChatID: "100", Email: "a@x.io"},
		{ID: 2},
		{ID: 9, ChatID: "900", IsAdmin: true},
	} {
		require.NoError(t, st.UpsertUser(ctx, u))
	}
	set, err := provider.NewSet(ps...)
	require.NoError(t, err)
	d := dispatch.New(st, set, dispatch.Config{}, logx.Nop())
	coord := batch.New(st, d, batch.Config{}, logx.Nop())
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	out := &captureSender{}
	return &consoleFixture{
		console: NewConsole(logx.Nop(), out, st, d, coord, []int64{ownerID}),
		out:     out,
		store:   st,
		coord:   coord,
	}
}

func (f *consoleFixture) run(t *testing.T, text string) string {
	t.Helper()
	f.console.Handle(context.Background(), &kit.Message{ChatID: 7, FromID: ownerID, Text: text})
	return f.out.last()
}

func chatOK() provider.Func {
	return provider.Func{Channel: notify.ChannelChat, Ready: true, Fn: func(ctx context.Context, to, msg string, _ notify.Options) (provider.Receipt, error) {
		return provider.Receipt{"message_id": "1"}, nil
	}}
}

func TestConsoleRejectsStrangers(t *testing.T) {
	t.Parallel()
	f := newConsoleFixture(t, chatOK())

	f.console.Handle(context.Background(), &kit.Message{ChatID: 7, FromID: 5, Text: "/broadcast hi"})
	require.Equal(t, "unauthorized", f.out.last())

	recs, err := f.store.ListAttempts(context.Background(), storage.AttemptFilter{})
	require.NoError(t, err)
	require.Empty(t, recs)

	f.console.Handle(context.Background(), &kit.Message{ChatID: 7, FromID: 5, Text: "hello there"})
	require.Equal(t, "unauthorized", f.out.last())

	require.Equal(t, "unknown command. try /help", f.run(t, "/nope"))
}

func TestConsoleSend(t *testing.T) {
	t.Parallel()
	f := newConsoleFixture(t, chatOK())

	got := f.run(t, "/send 1 hello   world")
	require.Equal(t, "delivered to user 1\nchat: sent", got)

	recs, err := f.store.ListAttempts(context.Background(), storage.AttemptFilter{UserIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "hello   world", recs[0].Message)

	got = f.run(t, "/sendvia 1 sms,email hi")
	require.Equal(t, "not delivered to user 1\nsms: failed (no recipient)\nemail: failed (provider not configured)", got)

	require.Equal(t, "error: unknown channel \"fax\"", f.run(t, "/sendvia 1 fax hi"))
	require.Equal(t, "error: user 77 not found", f.run(t, "/send 77 hi"))
	require.Equal(t, "error: usage: /send <user_id> <message>", f.run(t, "/send 1"))
}

func TestConsoleBroadcastAndStatus(t *testing.T) {
	t.Parallel()
	f := newConsoleFixture(t, chatOK())

	got := f.run(t, "/broadcast hello everyone")
	require.Contains(t, got, "started for 2 user(s)")
	key, ok := f.console.session(7)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		snap, err := f.coord.Status(context.Background(), key)
		return err == nil && snap.FinishedAt != nil
	}, 5*time.Second, 10*time.Millisecond)

	got = f.run(t, "/status")
	require.True(t, strings.HasPrefix(got, "batch "+string(key)))
	require.Contains(t, got, "user 1: chat=success email=not_sent sms=not_sent")
	require.Contains(t, got, "user 2: chat=error email=error sms=error")
	require.NotContains(t, got, "user 9")
	require.True(t, strings.HasSuffix(got, "finished"))

	// Nothing pending, so the chat forgets the batch.
	_, ok = f.console.session(7)
	require.False(t, ok)
	require.Equal(t, "no batch in progress", f.run(t, "/status"))

	// An explicit key still works.
	require.Contains(t, f.run(t, "/status "+string(key)), "finished")
}

func TestConsoleStatusKeepsPendingSession(t *testing.T) {
	t.Parallel()
	hang := provider.Func{Channel: notify.ChannelChat, Ready: true, Fn: func(ctx context.Context, to, msg string, _ notify.Options) (provider.Receipt, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newConsoleFixture(t, hang)

	require.Contains(t, f.run(t, "/broadcast_to 1 hi"), "started for 1 user(s)")
	key, _ := f.console.session(7)

	require.Eventually(t, func() bool {
		snap, err := f.coord.Status(context.Background(), key)
		return err == nil && snap.AnyPending
	}, 5*time.Second, 10*time.Millisecond)

	got := f.run(t, "/status")
	require.True(t, strings.HasSuffix(got, "in progress"))
	_, ok := f.console.session(7)
	require.True(t, ok)
}

func TestConsoleAttempts(t *testing.T) {
	t.Parallel()
	f := newConsoleFixture(t, chatOK())

	require.Equal(t, "no attempts for user 1", f.run(t, "/attempts 1"))
	f.run(t, "/send 1 one")
	f.run(t, "/send 1 two")

	got := f.run(t, "/attempts 1 1")
	require.Contains(t, got, "last 1 attempt(s) for user 1:")
	require.Contains(t, got, "chat: sent")
	require.Equal(t, "error: invalid count \"0\" (1-100)", f.run(t, "/attempts 1 0"))
}

func TestCutFields(t *testing.T) {
	t.Parallel()
	head, rest := cutFields("  12  chat,sms  hello\n world ", 2)
	require.Equal(t, []string{"12", "chat,sms"}, head)
	require.Equal(t, "hello\n world", rest)

	head, rest = cutFields("12", 2)
	require.Equal(t, []string{"12"}, head)
	require.Empty(t, rest)

	ids, err := parseIDs("1, 2,,3")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)
	_, err = parseIDs("1,x")
	require.Error(t, err)
}

func TestConsoleBatchFinishedNotifiesStarter(t *testing.T) {
	t.Parallel()
	f := newConsoleFixture(t, chatOK())
	f.console.setSession(7, "k1")
	f.console.setSession(8, "other")

	f.console.BatchFinished(context.Background(), batch.Summary{Key: "k1", Users: 3, Delivered: 2, Exhausted: 1, Took: 1500 * time.Millisecond})
	require.Equal(t, []string{"batch k1 done: delivered=2 failed=1 skipped=0 of 3 in 1.5s"}, f.out.all())

	f.console.BatchFinished(context.Background(), batch.Summary{Key: "nobody"})
	require.Len(t, f.out.all(), 1)

	require.Contains(t, formatSummary(batch.Summary{Key: "k", Deadline: true}), "deadline reached")
}

// slowBudget reports a long budget and records the deadline it was given.
type slowBudget struct {
	budget time.Duration
	left   time.Duration
}

func (s *slowBudget) Send(ctx context.Context, user *notify.User, message string, req notify.SendRequest) bool {
	if dl, ok := ctx.Deadline(); ok {
		s.left = time.Until(dl)
	}
	return true
}

func (s *slowBudget) Budget(notify.SendRequest) time.Duration { return s.budget }

func TestConsoleSendDeadlineFollowsBudget(t *testing.T) {
	t.Parallel()
	f := newConsoleFixture(t)
	sender := &slowBudget{budget: 4 * time.Minute}
	f.console.sender = sender

	require.Equal(t, "delivered to user 1", f.run(t, "/send 1 hi"))
	require.Greater(t, sender.left, 4*time.Minute)
	require.LessOrEqual(t, sender.left, 4*time.Minute+sendSlack)

	// The real dispatcher's budget grows with its attempt timeout.
	set, err := provider.NewSet()
	require.NoError(t, err)
	d := dispatch.New(f.store, set, dispatch.Config{AttemptTimeout: time.Minute}, logx.Nop())
	require.Greater(t, d.Budget(notify.SendRequest{}), 3*time.Minute)
}

func TestConsoleMarkReceipts(t *testing.T) {
	t.Parallel()
	f := newConsoleFixture(t, chatOK())
	ctx := context.Background()

	f.run(t, "/send 1 hello")
	recs, err := f.store.ListAttempts(ctx, storage.AttemptFilter{UserIDs: []int64{1}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	id := recs[0].ID

	require.Equal(t, "attempt "+id+" (user 1) chat: delivered", f.run(t, "/delivered "+id))
	require.Equal(t, "attempt "+id+" (user 1) chat: read", f.run(t, "/read "+id))
	require.Equal(t, "error: attempt "+id+" is read", f.run(t, "/delivered "+id))
	require.Equal(t, "error: attempt nope not found", f.run(t, "/read nope"))
	require.Equal(t, "error: usage: /read <attempt_id>", f.run(t, "/read"))

	// A failed attempt never moves on.
	f.run(t, "/sendvia 1 sms hi")
	recs, err = f.store.ListAttempts(ctx, storage.AttemptFilter{UserIDs: []int64{1}})
	require.NoError(t, err)
	failed := recs[len(recs)-1]
	require.Equal(t, notify.StatusFailed, failed.Status)
	require.Equal(t, "error: attempt "+failed.ID+" is failed", f.run(t, "/read "+failed.ID))
}

func TestConsoleBatchesShowsRunning(t *testing.T) {
	t.Parallel()
	hang := provider.Func{Channel: notify.ChannelChat, Ready: true, Fn: func(ctx context.Context, to, msg string, _ notify.Options) (provider.Receipt, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newConsoleFixture(t, hang)

	require.Contains(t, f.run(t, "/broadcast_to 1 hi"), "started for 1 user(s)")
	key, ok := f.console.session(7)
	require.True(t, ok)
	require.Equal(t, []batch.Key{key}, f.coord.Running())

	got := f.run(t, "/batches")
	require.Contains(t, got, string(key)+" users=1 running")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Stop(sctx))
	require.Contains(t, f.run(t, "/batches"), string(key)+" users=1 open")
}
