package app

import (
	"context"
	"strings"

	"pewnotify/internal/batch"
	"pewnotify/internal/config"
	"pewnotify/internal/eventbus"
	logx "pewnotify/pkg/logx"
)

// reloadLoop applies committed configs in order. A burst collapses to its
// newest config.
func (a *App) reloadLoop(ctx context.Context, cfgs <-chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-cfgs:
			if !ok {
				return
			}
			next = cfg
		}
	latest:
		for {
			select {
			case cfg, ok := <-cfgs:
				if !ok {
					break latest
				}
				next = cfg
			default:
				break latest
			}
		}
		a.applyConfig(ctx, applied, next)
		applied = next
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: next})
	}
}

// applyConfig pushes the reloadable sections to running components. Sections
// that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, restart, attrs := config.SummarizeConfigChange(prev, next)
	if len(restart) > 0 {
		a.log.Warn("restart required for some config changes", logx.Strs("sections", restart))
	}
	if len(changed) == 0 {
		a.log.Info("config reloaded (nothing to apply)")
		return
	}

	target, ok := groupLogTarget(next)
	if !ok {
		target = 0
	}
	a.logs.SetTelegramTarget(target, next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	if a.console != nil {
		a.console.SetOwners(next.Telegram.OwnerUserIDs)
	}

	// validateRuntime already mapped these, so errors here mean a bug.
	if dcfg, err := mapDispatchConfig(next); err == nil {
		a.dispatcher.Apply(dcfg)
	} else {
		a.log.Error("dispatch config not applied", logx.Err(err))
	}
	if bcfg, err := mapBatchConfig(next); err == nil {
		a.batches.Apply(bcfg)
	} else {
		a.log.Error("batch config not applied", logx.Err(err))
	}
	if jcfg, err := mapJanitorConfig(next); err != nil {
		a.log.Error("janitor config not applied", logx.Err(err))
	} else if err := a.janitor.Apply(ctx, jcfg); err != nil {
		a.log.Warn("janitor reconfigure failed", logx.Err(err))
	}

	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
}

// eventLoop logs bus events and tells the console about finished batches.
func (a *App) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if sum, ok := e.Data.(batch.Summary); ok && e.Type == eventbus.BatchFinished && a.console != nil {
				a.console.BatchFinished(ctx, sum)
			}
		}
	}
}
