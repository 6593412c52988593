package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "pewnotify/internal/transport"
)

const (
	alertQueueCap = 256
	alertMaxLen   = 3500
	alertValueMax = 600
)

type alert struct {
	to   kit.ChatTarget
	text string
}

// alertSink forwards log events at or above a level to an operator chat.
// Writes never block: events over the rate limit or a full queue are dropped.
type alertSink struct {
	sender kit.Sender
	queue  chan alert

	mu       sync.Mutex
	to       kit.ChatTarget
	threadID int
	limiter  *rate.Limiter
	minLevel zerolog.Level

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newAlertSink(sender kit.Sender) *alertSink {
	return &alertSink{
		sender:   sender,
		queue:    make(chan alert, alertQueueCap),
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
	}
}

func (a *alertSink) configure(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.threadID = cfg.ThreadID
	a.mu.Unlock()
	if cfg.Enabled {
		a.start()
	}
}

func (a *alertSink) setTarget(to kit.ChatTarget) {
	a.mu.Lock()
	a.to = to
	a.mu.Unlock()
}

// target is the configured chat; the config thread id applies when the
// target has none.
func (a *alertSink) target() kit.ChatTarget {
	a.mu.Lock()
	defer a.mu.Unlock()
	to := a.to
	if to.ChatID == 0 {
		return kit.ChatTarget{}
	}
	if to.ThreadID == 0 {
		to.ThreadID = a.threadID
	}
	return to
}

func (a *alertSink) start() {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case it := <-a.queue:
					sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
					_, _ = a.sender.SendText(sctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
					scancel()
				}
			}
		}()
	})
}

func (a *alertSink) close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	lim, minLevel := a.limiter, a.minLevel
	a.mu.Unlock()
	if level < minLevel {
		return len(p), nil
	}
	to := a.target()
	if to.IsZero() || !lim.Allow() {
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alert{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// formatAlert renders one JSON log line as chat text:
//
//	[WARN] attempt failed
//	- channel=sms
//	- user_id=7
//
// Keys are sorted. Lines that are not JSON are sent as-is.
func formatAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertValueMax))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
