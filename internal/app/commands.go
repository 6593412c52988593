package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"pewnotify/internal/batch"
	"pewnotify/internal/notify"
	rtsup "pewnotify/internal/runtime/supervisor"
	"pewnotify/internal/storage"
	kit "pewnotify/internal/transport"
	logx "pewnotify/pkg/logx"
)

const (
	consoleWorkers  = 4
	consoleQueueCap = 64
	// statusMaxUsers caps the per-user lines of a /status reply.
	statusMaxUsers = 30
	// sendSlack is added to a send's budget for the lookups around it.
	sendSlack = 10 * time.Second
)

// SendService sends to one user and knows how long that may take.
// *dispatch.Dispatcher implements it.
type SendService interface {
	batch.Sender
	Budget(req notify.SendRequest) time.Duration
}

// BatchService is the part of the batch coordinator the console drives.
type BatchService interface {
	Dispatch(ctx context.Context, userIDs []int64, message string, req notify.SendRequest) (batch.Key, error)
	Status(ctx context.Context, key batch.Key) (batch.Snapshot, error)
	Clear(ctx context.Context, key batch.Key) (bool, error)
	Recent(ctx context.Context, limit int) ([]storage.Batch, error)
	Running() []batch.Key
}

// ConsoleStore is what the console reads.
type ConsoleStore interface {
	storage.UserStore
	storage.AttemptStore
}

type command struct {
	name    string
	usage   string
	desc    string
	timeout time.Duration
	handle  handlerFunc
}

type request struct {
	chat   kit.ChatTarget
	fromID int64
	cmd    string
	// rest is the raw text after the command word.
	rest string
	log  logx.Logger
}

// Console is the owner-only operator interface over the bot chat. Each chat
// remembers the last batch it started so /status works without a key.
type Console struct {
	log     logx.Logger
	out     kit.Sender
	store   ConsoleStore
	sender  SendService
	batches BatchService

	mu       sync.RWMutex
	owners   []int64
	sessions map[int64]batch.Key

	cmds  map[string]command
	order []string
	jobs  chan func()
}

func NewConsole(log logx.Logger, out kit.Sender, store ConsoleStore, sender SendService, batches BatchService, owners []int64) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Console{
		log:      log,
		out:      out,
		store:    store,
		sender:   sender,
		batches:  batches,
		owners:   slices.Clone(owners),
		sessions: map[int64]batch.Key{},
		cmds:     map[string]command{},
		jobs:     make(chan func(), consoleQueueCap),
	}
	for _, cmd := range []command{
		{name: "help", desc: "list commands", handle: c.cmdHelp},
		// Sends set their own deadline from the dispatcher's timeouts.
		{name: "send", usage: "<user_id> <message>", desc: "send to one user with the default channel order", handle: c.cmdSend},
		{name: "sendvia", usage: "<user_id> <ch,ch,...> <message>", desc: "send to one user with an explicit channel order", handle: c.cmdSendVia},
		{name: "broadcast", usage: "<message>", desc: "send to every non-admin user", timeout: 10 * time.Second, handle: c.cmdBroadcast},
		{name: "broadcast_to", usage: "<id,id,...> <message>", desc: "send to the listed users", timeout: 10 * time.Second, handle: c.cmdBroadcastTo},
		{name: "status", usage: "[batch_key]", desc: "progress of a batch (default: your last one)", timeout: 10 * time.Second, handle: c.cmdStatus},
		{name: "attempts", usage: "<user_id> [n]", desc: "latest attempt records of a user", timeout: 10 * time.Second, handle: c.cmdAttempts},
		{name: "batches", desc: "recent batches", timeout: 10 * time.Second, handle: c.cmdBatches},
		{name: "delivered", usage: "<attempt_id>", desc: "mark a sent attempt as delivered", timeout: 10 * time.Second, handle: c.cmdMark},
		{name: "read", usage: "<attempt_id>", desc: "mark a sent or delivered attempt as read", timeout: 10 * time.Second, handle: c.cmdMark},
	} {
		c.cmds[cmd.name] = cmd
		c.order = append(c.order, cmd.name)
	}
	return c
}

func (c *Console) SetOwners(owners []int64) {
	c.mu.Lock()
	c.owners = slices.Clone(owners)
	c.mu.Unlock()
}

func (c *Console) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.owners, id)
}

func (c *Console) session(chatID int64) (batch.Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.sessions[chatID]
	return k, ok
}

func (c *Console) setSession(chatID int64, key batch.Key) {
	c.mu.Lock()
	c.sessions[chatID] = key
	c.mu.Unlock()
}

// dropSession forgets key for chatID unless a newer batch replaced it.
func (c *Console) dropSession(chatID int64, key batch.Key) {
	c.mu.Lock()
	if c.sessions[chatID] == key {
		delete(c.sessions, chatID)
	}
	c.mu.Unlock()
}

// BatchFinished tells every chat whose last batch is sum.Key how it ended.
func (c *Console) BatchFinished(ctx context.Context, sum batch.Summary) {
	c.mu.RLock()
	var chats []int64
	for chatID, key := range c.sessions {
		if key == sum.Key {
			chats = append(chats, chatID)
		}
	}
	c.mu.RUnlock()
	if len(chats) == 0 {
		return
	}
	text := formatSummary(sum)
	for _, id := range chats {
		c.reply(ctx, kit.ChatTarget{ChatID: id}, text)
	}
}

// DispatchLoop reads updates and runs commands on a small worker pool until
// ctx ends.
func (c *Console) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	for i := 0; i < consoleWorkers; i++ {
		idx := i
		sup.GoRestart("console.worker."+strconv.Itoa(idx), func(wctx context.Context) error {
			for {
				select {
				case <-wctx.Done():
					return nil
				case job := <-c.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								c.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second), rtsup.WithStopOnCleanExit(true))
	}
	c.log.Info("command dispatcher started", logx.Int("workers", consoleWorkers), logx.Int("job_queue_cap", consoleQueueCap))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		c.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			sup.Cancel()
			return nil
		case up, ok := <-updates:
			if !ok {
				sup.Cancel()
				return nil
			}
			if up.Message == nil {
				continue
			}
			msg := up.Message
			select {
			case c.jobs <- func() { c.Handle(ctx, msg) }:
			default:
				c.reply(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again")
			}
		}
	}
}

// Handle runs one command message synchronously. Non-command text is ignored.
func (c *Console) Handle(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	head, rest := cutFields(text, 1)
	word := strings.TrimPrefix(head[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := c.cmds[strings.ToLower(word)]
	if !ok {
		c.reply(ctx, chat, "unknown command. try /help")
		return
	}
	if !c.isOwner(msg.FromID) {
		c.reply(ctx, chat, "unauthorized")
		return
	}

	req := &request{
		chat:   chat,
		fromID: msg.FromID,
		cmd:    cmd.name,
		rest:   rest,
		log: c.log.With(
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.name),
		),
	}
	final := chain(cmd.handle, mwPanicRecover(), mwRequestLog(), mwTimeout(cmd.timeout))
	if err := final(ctx, req); err != nil {
		c.reply(ctx, chat, "error: "+err.Error())
	}
}

func (c *Console) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if c.out == nil {
		return
	}
	// Replies go out even when the command's own deadline has passed.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := c.out.SendText(rctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (c *Console) usage(name string) error {
	cmd := c.cmds[name]
	return fmt.Errorf("usage: /%s %s", cmd.name, cmd.usage)
}

func (c *Console) cmdHelp(ctx context.Context, req *request) error {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, name := range c.order {
		cmd := c.cmds[name]
		b.WriteString("/" + cmd.name)
		if cmd.usage != "" {
			b.WriteString(" " + cmd.usage)
		}
		b.WriteString(" - " + cmd.desc + "\n")
	}
	c.reply(ctx, req.chat, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (c *Console) cmdSend(ctx context.Context, req *request) error {
	head, msg := cutFields(req.rest, 1)
	if len(head) < 1 || msg == "" {
		return c.usage("send")
	}
	return c.sendOne(ctx, req, head[0], nil, msg)
}

func (c *Console) cmdSendVia(ctx context.Context, req *request) error {
	head, msg := cutFields(req.rest, 2)
	if len(head) < 2 || msg == "" {
		return c.usage("sendvia")
	}
	priority := notify.ParsePriority(strings.Split(head[1], ","))
	for _, ch := range priority {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return c.sendOne(ctx, req, head[0], priority, msg)
}

func (c *Console) sendOne(ctx context.Context, req *request, rawID string, priority []notify.Channel, msg string) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid user id %q", rawID)
	}
	sreq := notify.SendRequest{Priority: priority}
	ctx, cancel := context.WithTimeout(ctx, c.sender.Budget(sreq)+sendSlack)
	defer cancel()
	u, err := c.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("user %d not found", id)
		}
		return err
	}

	started := time.Now()
	ok := c.sender.Send(ctx, &u, msg, sreq)
	recs, err := c.store.ListAttempts(context.WithoutCancel(ctx), storage.AttemptFilter{UserIDs: []int64{id}, Since: started})
	if err != nil {
		return err
	}

	var b strings.Builder
	if ok {
		fmt.Fprintf(&b, "delivered to user %d\n", id)
	} else {
		fmt.Fprintf(&b, "not delivered to user %d\n", id)
	}
	for _, r := range recs {
		b.WriteString(formatAttempt(r) + "\n")
	}
	c.reply(ctx, req.chat, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (c *Console) cmdBroadcast(ctx context.Context, req *request) error {
	msg := strings.TrimSpace(req.rest)
	if msg == "" {
		return c.usage("broadcast")
	}
	users, err := c.store.ListUsers(ctx, storage.UserFilter{ExcludeAdmins: true})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	if len(ids) == 0 {
		return errors.New("no users to broadcast to")
	}
	return c.startBatch(ctx, req, ids, msg)
}

func (c *Console) cmdBroadcastTo(ctx context.Context, req *request) error {
	head, msg := cutFields(req.rest, 1)
	if len(head) < 1 || msg == "" {
		return c.usage("broadcast_to")
	}
	ids, err := parseIDs(head[0])
	if err != nil {
		return err
	}
	return c.startBatch(ctx, req, ids, msg)
}

func (c *Console) startBatch(ctx context.Context, req *request, ids []int64, msg string) error {
	key, err := c.batches.Dispatch(ctx, ids, msg, notify.SendRequest{})
	if err != nil {
		return err
	}
	c.setSession(req.chat.ChatID, key)
	c.reply(ctx, req.chat, fmt.Sprintf("batch %s started for %d user(s). poll with /status", key, len(ids)))
	return nil
}

func (c *Console) cmdStatus(ctx context.Context, req *request) error {
	key := batch.Key(strings.TrimSpace(req.rest))
	fromSession := false
	if key == "" {
		k, ok := c.session(req.chat.ChatID)
		if !ok {
			c.reply(ctx, req.chat, "no batch in progress")
			return nil
		}
		key, fromSession = k, true
	}

	snap, err := c.batches.Status(ctx, key)
	if err != nil {
		if errors.Is(err, batch.ErrUnknownBatch) && fromSession {
			c.dropSession(req.chat.ChatID, key)
		}
		return err
	}
	if !snap.AnyPending {
		if _, err := c.batches.Clear(ctx, key); err != nil {
			req.log.Warn("batch clear failed", logx.Err(err))
		}
		c.dropSession(req.chat.ChatID, key)
	}
	c.reply(ctx, req.chat, formatSnapshot(snap))
	return nil
}

func (c *Console) cmdAttempts(ctx context.Context, req *request) error {
	head, _ := cutFields(req.rest, 2)
	if len(head) < 1 {
		return c.usage("attempts")
	}
	id, err := strconv.ParseInt(head[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid user id %q", head[0])
	}
	limit := 10
	if len(head) > 1 {
		n, err := strconv.Atoi(head[1])
		if err != nil || n <= 0 || n > 100 {
			return fmt.Errorf("invalid count %q (1-100)", head[1])
		}
		limit = n
	}
	recs, err := c.store.ListAttempts(ctx, storage.AttemptFilter{UserIDs: []int64{id}, Limit: limit})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		c.reply(ctx, req.chat, fmt.Sprintf("no attempts for user %d", id))
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "last %d attempt(s) for user %d:\n", len(recs), id)
	for _, r := range recs {
		b.WriteString(r.CreatedAt.Format("01-02 15:04:05") + " " + formatAttempt(r) + "\n")
	}
	c.reply(ctx, req.chat, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (c *Console) cmdBatches(ctx context.Context, req *request) error {
	bs, err := c.batches.Recent(ctx, 10)
	if err != nil {
		return err
	}
	if len(bs) == 0 {
		c.reply(ctx, req.chat, "no batches")
		return nil
	}
	running := c.batches.Running()
	var b strings.Builder
	for _, m := range bs {
		state := "open"
		switch {
		case slices.Contains(running, batch.Key(m.Key)):
			state = "running"
		case m.FinishedAt != nil:
			state = "finished"
		}
		fmt.Fprintf(&b, "%s %s users=%d %s\n", m.StartedAt.Format("01-02 15:04:05"), m.Key, len(m.UserIDs), state)
	}
	c.reply(ctx, req.chat, strings.TrimRight(b.String(), "\n"))
	return nil
}

// cmdMark records a receipt event reported out of band for one attempt.
func (c *Console) cmdMark(ctx context.Context, req *request) error {
	head, _ := cutFields(req.rest, 1)
	if len(head) < 1 {
		return c.usage(req.cmd)
	}
	id := head[0]
	mark := c.store.MarkDelivered
	if req.cmd == "read" {
		mark = c.store.MarkRead
	}
	if err := mark(ctx, id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("attempt %s not found", id)
		case errors.Is(err, storage.ErrInvalidTransition):
			n, gerr := c.store.Get(ctx, id)
			if gerr != nil {
				return err
			}
			return fmt.Errorf("attempt %s is %s", id, n.Status)
		}
		return err
	}
	n, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	c.reply(ctx, req.chat, fmt.Sprintf("attempt %s (user %d) %s", id, n.UserID, formatAttempt(n)))
	return nil
}

func formatAttempt(n notify.Notification) string {
	s := fmt.Sprintf("%s: %s", n.Channel, n.Status)
	if reason := n.ProviderMetadata[notify.MetaError]; reason != "" {
		s += " (" + reason + ")"
	}
	return s
}

func formatSummary(s batch.Summary) string {
	out := fmt.Sprintf("batch %s done: delivered=%d failed=%d skipped=%d of %d in %s",
		s.Key, s.Delivered, s.Exhausted, s.Skipped, s.Users, s.Took.Round(time.Millisecond))
	if s.Deadline {
		out += " (deadline reached, poll /status for stragglers)"
	}
	return out
}

func formatSnapshot(s batch.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %s\n", s.Key)
	counts := s.Counts()
	fmt.Fprintf(&b, "success=%d error=%d pending=%d not_sent=%d\n",
		counts[batch.CellSuccess], counts[batch.CellError], counts[batch.CellPending], counts[batch.CellNotSent])
	for i, u := range s.Users {
		if i == statusMaxUsers {
			fmt.Fprintf(&b, "... and %d more\n", len(s.Users)-statusMaxUsers)
			break
		}
		fmt.Fprintf(&b, "user %d:", u.UserID)
		for _, ch := range notify.Channels {
			fmt.Fprintf(&b, " %s=%s", ch, u.Channels[ch])
		}
		b.WriteString("\n")
	}
	if s.AnyPending {
		b.WriteString("in progress")
	} else {
		b.WriteString("finished")
	}
	return b.String()
}

// cutFields splits off the first n whitespace-separated fields and returns
// them with the trimmed remainder.
func cutFields(s string, n int) ([]string, string) {
	out := make([]string, 0, n)
	s = strings.TrimSpace(s)
	for len(out) < n && s != "" {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			out = append(out, s)
			s = ""
			break
		}
		out = append(out, s[:i])
		s = strings.TrimSpace(s[i:])
	}
	return out, s
}

func parseIDs(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", p)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("no user ids")
	}
	return out, nil
}
