package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	logx "pewnotify/pkg/logx"
)

// shutdown runs stop steps in order. Each step gets its own cap inside the
// caller's deadline; a step that overruns is left behind and the next one
// starts.
type shutdown struct {
	ctx  context.Context
	log  logx.Logger
	errs error
}

func (s *shutdown) step(name string, limit time.Duration, fn func(context.Context) error) {
	log := s.log.With(logx.String("step", name))
	ctx, cancel := context.WithTimeout(s.ctx, limit)
	defer cancel()

	began := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		took := time.Since(began)
		if err != nil {
			log.Warn("stop step failed", logx.Duration("took", took), logx.Err(err))
			s.errs = multierr.Append(s.errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		if took >= 500*time.Millisecond {
			log.Info("stop step slow", logx.Duration("took", took))
		} else {
			log.Debug("stop step done", logx.Duration("took", took))
		}
	case <-ctx.Done():
		log.Warn("stop step abandoned", logx.Duration("limit", limit), logx.Err(ctx.Err()))
		go func() {
			if err := <-done; err != nil {
				log.Warn("abandoned stop step failed later", logx.Err(err))
			}
		}()
	}
}

// Stop shuts the app down. Batches stop before storage closes so their last
// record writes land.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	sd := &shutdown{ctx: ctx, log: a.log}
	sd.step("batches", 3*time.Second, a.batches.Stop)
	sd.step("janitor", 2*time.Second, func(c context.Context) error {
		a.janitor.Stop(c)
		return nil
	})
	if a.adapter != nil {
		sd.step("telegram", 2*time.Second, a.adapter.Stop)
	}
	sd.step("supervisor", 2*time.Second, a.sup.Wait)
	sd.step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return multierr.Append(sd.errs, a.logs.Close())
}
