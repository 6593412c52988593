package supervisor

import (
	"context"
	"errors"
	"time"

	logx "pewnotify/pkg/logx"
)

// A run that lasted this long resets the backoff.
const stableRun = 30 * time.Second

type RestartOption func(*restartCfg)

type restartCfg struct {
	backoff         backoff
	stopOnCleanExit bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.backoff.min = min
		}
		if max > 0 {
			c.backoff.max = max
		}
	}
}

// WithStopOnCleanExit ends the loop when fn returns nil. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// backoff doubles from min up to max.
type backoff struct {
	min, max, cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur < b.min {
		b.cur = b.min
	}
	d := b.cur
	b.cur = min(b.cur*2, max(b.max, b.min))
	return d
}

func (b *backoff) reset() { b.cur = b.min }

// GoRestart keeps fn running until the context ends, restarting it after an
// error or panic. Restarts are not reported as supervisor errors.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		backoff:         backoff{min: 250 * time.Millisecond, max: 30 * time.Second},
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	bo := cfg.backoff

	s.Go0(name, func(ctx context.Context) {
		for ctx.Err() == nil {
			began := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			if time.Since(began) >= stableRun {
				bo.reset()
			}
			wait := bo.next()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}
