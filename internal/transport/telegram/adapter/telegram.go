// Package adapter connects pewnotify to the Telegram Bot API with telebot.
// It delivers chat notifications and feeds operator commands to the console.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "pewnotify/internal/runtime/supervisor"
	kit "pewnotify/internal/transport"
	logx "pewnotify/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call. Tests use it.
	Offline bool
	// URL overrides the Bot API endpoint.
	URL string
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger

	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64
	dropLog rate.Sometimes

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: poll},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{bot: b, log: log, dropLog: rate.Sometimes{Interval: 5 * time.Second}}
	b.Handle(tele.OnText, func(c tele.Context) error {
		if msg := toMessage(c.Message()); msg != nil {
			a.forward(kit.Update{Message: msg})
		}
		return nil
	})
	return a, nil
}

// SetLogger replaces the bootstrap logger. Call it before Start.
func (a *Adapter) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		a.log = log
	}
}

func toMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return msg
}

// forward hands an update to the consumer without blocking the poller.
// Updates are dropped while nobody consumes or the channel is full.
func (a *Adapter) forward(up kit.Update) {
	out := a.out.Load()
	if out == nil {
		return
	}
	select {
	case *out <- up:
		return
	default:
	}
	n := a.dropped.Add(1)
	a.dropLog.Do(func() {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("total", int64(n)), logx.Int("chan_cap", cap(*out)))
	})
}

// Start begins long polling and forwards text messages to out.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns after Stop or a poller failure; only the latter
	// should be retried, and ctx tells them apart.
	sup.GoRestart("telegram.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
	return nil
}

// Stop ends polling. getUpdates may hang for the poll timeout, so the wait
// is capped at 2s.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	a.out.Store(nil)
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// usernameRecipient addresses public channels and groups by "@name".
type usernameRecipient string

func (u usernameRecipient) Recipient() string { return string(u) }

func recipientOf(to kit.ChatTarget) tele.Recipient {
	if to.ChatID != 0 {
		return tele.ChatID(to.ChatID)
	}
	return usernameRecipient(to.Username)
}

// SendText sends text, split into chunks Telegram accepts, and returns the
// reference of the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if to.IsZero() {
		return kit.MessageRef{}, errors.New("telegram: empty chat target")
	}
	var so kit.SendOptions
	if opt != nil {
		so = *opt
	}
	rcpt := recipientOf(to)
	send := &tele.SendOptions{
		ParseMode:             tele.ParseMode(so.ParseMode),
		DisableWebPagePreview: so.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, so.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := a.bot.Send(rcpt, chunk, send)
		if err != nil {
			return first, err
		}
		if i > 0 || m == nil {
			continue
		}
		first = kit.MessageRef{ThreadID: to.ThreadID, MessageID: m.ID}
		if m.Chat != nil {
			first.ChatID = m.Chat.ID
		}
	}
	return first, nil
}
