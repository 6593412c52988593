package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pewnotify/internal/batch"
	"pewnotify/internal/config"
	"pewnotify/internal/dispatch"
	"pewnotify/internal/eventbus"
	"pewnotify/internal/metrics"
	"pewnotify/internal/provider"
	"pewnotify/internal/provider/chat"
	"pewnotify/internal/provider/email"
	"pewnotify/internal/provider/sms"
	rtsup "pewnotify/internal/runtime/supervisor"
	"pewnotify/internal/storage"
	kit "pewnotify/internal/transport"
	telegram "pewnotify/internal/transport/telegram/adapter"
	logx "pewnotify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter *telegram.Adapter // nil without a bot token
	metrics *metrics.Metrics

	dispatcher *dispatch.Dispatcher
	batches    *batch.Coordinator
	janitor    *batch.Janitor
	console    *Console

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		ad     *telegram.Adapter
		sender kit.Sender
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = ad
	}

	// The Telegram sink is enabled only after its target is set so Apply does
	// not warn about a missing group.
	logCfg := mapLogConfig(cfg)
	bootLogCfg := logCfg
	bootLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootLogCfg, sender)
	if id, ok := groupLogTarget(cfg); ok {
		logSvc.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	if ad != nil {
		ad.SetLogger(log.With(logx.String("comp", "telegram")))
	}
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	if path := strings.TrimSpace(cfg.UsersFile); path != "" {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := SeedUsers(sctx, store, path, appLog)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		if m, err = metrics.New(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	providers, err := provider.NewSet(
		chat.New(chat.Config{ParseMode: cfg.Telegram.ParseMode}, sender),
		email.New(mapEmailConfig(cfg), nil),
		sms.New(mapSMSConfig(cfg), nil),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	appLog.Info("providers ready", logx.Strs("configured", channelNames(providers)))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bcfg, err := mapBatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	jcfg, err := mapJanitorConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := checkStaleAfter(dcfg, bcfg, jcfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	d := dispatch.New(store, providers, dcfg, log, dispatch.WithMetrics(m))
	coord := batch.New(store, d, bcfg, log, batch.WithBus(bus), batch.WithMetrics(m))
	jan := batch.NewJanitor(store, jcfg, log, bus, m, batch.WithInFlight(d))

	var console *Console
	if cfg.Telegram.Console && ad != nil {
		console = NewConsole(log.With(logx.String("comp", "console")), ad, store, d, coord, cfg.Telegram.OwnerUserIDs)
	}

	return &App{
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    ad,
		metrics:    m,
		dispatcher: d,
		batches:    coord,
		janitor:    jan,
		console:    console,
		updates:    make(chan kit.Update, 256),
	}, nil
}

func channelNames(s provider.Set) []string {
	chs := s.Configured()
	out := make([]string, 0, len(chs))
	for _, ch := range chs {
		out = append(out, string(ch))
	}
	return out
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

func (a *App) Batches() *batch.Coordinator { return a.batches }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads must map cleanly before they are committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg, a.janitor)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}
	if err := a.janitor.Start(a.sup.Context()); err != nil {
		return err
	}

	if cfg := a.cfgm.Get(); a.metrics != nil {
		sc := metrics.ServeConfig{Addr: cfg.Metrics.Addr, Path: cfg.Metrics.Path, Pprof: cfg.Metrics.Pprof}
		a.sup.Go("metrics", func(c context.Context) error {
			return a.metrics.Serve(c, sc, a.log.With(logx.String("comp", "metrics")))
		})
	}

	if a.console != nil {
		a.sup.Go("console", func(c context.Context) error {
			return a.console.DispatchLoop(c, a.updates)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("events", func(c context.Context) {
		defer unsub()
		a.eventLoop(c, events)
	})

	cfgs, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		a.reloadLoop(c, cfgs)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("console", a.console != nil),
		logx.Bool("metrics", a.metrics != nil),
	)
	return nil
}
