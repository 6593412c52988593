package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewnotify/internal/eventbus"
	"pewnotify/internal/metrics"
	"pewnotify/internal/notify"
	"pewnotify/internal/storage"
	logx "pewnotify/pkg/logx"
)

const (
	DefaultJanitorSchedule = "@every 10m"
	DefaultStaleAfter      = 15 * time.Minute
	DefaultRetention       = 7 * 24 * time.Hour
)

type JanitorConfig struct {
	Enabled bool
	// Schedule is a cron spec; 5 or 6 fields and descriptors such as "@every 5m".
	Schedule string
	// StaleAfter is how long a record may stay pending before it is failed
	// as abandoned.
	StaleAfter time.Duration
	// Retention is how long finished batch markers are kept.
	Retention time.Duration
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultJanitorSchedule
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// JanitorStore is what a sweep touches.
type JanitorStore interface {
	FailStale(ctx context.Context, cutoff time.Time, reason string, keep []string) (int, error)
	DeleteFinishedBatches(ctx context.Context, cutoff time.Time) (int, error)
}

// InFlight reports the records a live send still owns. *dispatch.Dispatcher
// implements it.
type InFlight interface {
	InFlight() []string
}

type JanitorOption func(*Janitor)

// WithInFlight keeps sweeps away from records owned by a running attempt,
// however old they are.
func WithInFlight(src InFlight) JanitorOption {
	return func(j *Janitor) { j.live = src }
}

var _ JanitorStore = (storage.Store)(nil)

// Sweep is the result of one janitor run.
type Sweep struct {
	Abandoned int
	Deleted   int
}

// Janitor periodically fails records left pending by abandoned sends and
// drops old finished batch markers.
type Janitor struct {
	store   JanitorStore
	live    InFlight
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
	parser  cron.Parser

	mu  sync.Mutex
	cfg JanitorConfig
	c   *cron.Cron
}

func NewJanitor(store JanitorStore, cfg JanitorConfig, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics, opts ...JanitorOption) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Janitor{
		store:   store,
		bus:     bus,
		metrics: m,
		log:     log.With(logx.String("comp", "janitor")),
		now:     time.Now,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:     cfg.withDefaults(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// ValidateSchedule reports whether spec parses as a janitor schedule.
func (j *Janitor) ValidateSchedule(spec string) error {
	if _, err := j.parser.Parse(spec); err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", spec, err)
	}
	return nil
}

// Start registers the sweep with cron. It is a no-op when disabled or
// already running.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startLocked(ctx)
}

func (j *Janitor) startLocked(ctx context.Context) error {
	if j.c != nil || !j.cfg.Enabled {
		return nil
	}
	cfg := j.cfg
	c := cron.New(cron.WithParser(j.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	// Sweeps outlive the start call but stop with the service.
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(cfg.Schedule, func() {
		sctx, cancel := context.WithTimeout(runCtx, time.Minute)
		defer cancel()
		if _, err := j.Sweep(sctx); err != nil {
			j.log.Warn("sweep failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	j.c = c
	j.log.Info("service started",
		logx.String("schedule", cfg.Schedule),
		logx.Duration("stale_after", cfg.StaleAfter),
		logx.Duration("retention", cfg.Retention),
	)
	return nil
}

func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	j.log.Info("service stopped")
}

// Apply swaps the config and restarts the schedule if it changed.
func (j *Janitor) Apply(ctx context.Context, cfg JanitorConfig) error {
	cfg = cfg.withDefaults()
	j.mu.Lock()
	prev := j.cfg
	j.cfg = cfg
	running := j.c != nil
	j.mu.Unlock()

	if running && prev.Enabled == cfg.Enabled && prev.Schedule == cfg.Schedule {
		return nil
	}
	j.Stop(ctx)
	return j.Start(ctx)
}

// Sweep runs one janitor pass now.
func (j *Janitor) Sweep(ctx context.Context) (Sweep, error) {
	j.mu.Lock()
	cfg := j.cfg
	j.mu.Unlock()

	now := j.now()
	var keep []string
	if j.live != nil {
		keep = j.live.InFlight()
	}
	var out Sweep
	n, err := j.store.FailStale(ctx, now.Add(-cfg.StaleAfter), notify.ReasonAbandoned, keep)
	if err != nil {
		return out, fmt.Errorf("janitor: fail stale: %w", err)
	}
	out.Abandoned = n

	n, err = j.store.DeleteFinishedBatches(ctx, now.Add(-cfg.Retention))
	if err != nil {
		return out, fmt.Errorf("janitor: delete batches: %w", err)
	}
	out.Deleted = n

	j.metrics.JanitorSwept(out.Abandoned, out.Deleted)
	if j.bus != nil {
		j.bus.Publish(eventbus.Event{Type: eventbus.JanitorSwept, Time: now, Data: out})
	}
	if out.Abandoned > 0 || out.Deleted > 0 {
		j.log.Info("sweep done", logx.Int("abandoned", out.Abandoned), logx.Int("deleted", out.Deleted))
	} else {
		j.log.Debug("sweep done")
	}
	return out, nil
}
