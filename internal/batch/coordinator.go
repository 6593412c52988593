// Package batch fans one message out to many users and reports progress
// rebuilt from the attempt records.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pewnotify/internal/eventbus"
	"pewnotify/internal/metrics"
	"pewnotify/internal/notify"
	"pewnotify/internal/storage"
	logx "pewnotify/pkg/logx"
)

const (
	DefaultTimeout = 90 * time.Second
	DefaultWorkers = 16
)

var (
	ErrEmptyBatch   = errors.New("batch: no users")
	ErrEmptyMessage = errors.New("batch: empty message")
	ErrNoRecipients = errors.New("batch: no eligible users")
	ErrUnknownBatch = errors.New("batch: unknown key")
	ErrStopped      = errors.New("batch: coordinator stopped")
)

// Key identifies one batch run.
type Key string

type Config struct {
	// Timeout bounds the whole fan-out. Sends still running at the deadline
	// are abandoned.
	Timeout time.Duration
	// Workers bounds how many users are sent to at once.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Sender delivers to one user. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, user *notify.User, message string, req notify.SendRequest) bool
}

// Store is the storage the coordinator reads and writes.
type Store interface {
	storage.AttemptStore
	storage.UserStore
	storage.BatchStore
}

// Summary is published with batch.finished.
type Summary struct {
	Key Key
	// Users counts the eligible users. Delivered and Exhausted count sends
	// that returned true and false; Skipped were never started.
	Users     int
	Delivered int
	Exhausted int
	Skipped   int
	Deadline  bool
	Took      time.Duration
}

type Coordinator struct {
	store   Store
	sender  Sender
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	cfg atomic.Pointer[Config]

	mu      sync.Mutex
	running map[Key]context.CancelFunc
	stopped bool
	runWG   sync.WaitGroup
}

type Option func(*Coordinator)

func WithBus(b eventbus.Bus) Option { return func(c *Coordinator) { c.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func withClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(store Store, sender Sender, cfg Config, log logx.Logger, opts ...Option) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		store:   store,
		sender:  sender,
		log:     log.With(logx.String("comp", "batch")),
		now:     time.Now,
		running: map[Key]context.CancelFunc{},
	}
	for _, o := range opts {
		o(c)
	}
	c.Apply(cfg)
	return c
}

// Apply changes the timeout and worker bound of later batches.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.cfg.Store(&cfg)
}

func (c *Coordinator) Config() Config { return *c.cfg.Load() }

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Running lists the keys of fan-outs still in progress.
func (c *Coordinator) Running() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.running))
	for k := range c.running {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Dispatch validates the request, stores the batch marker and starts the
// fan-out in the background. It returns as soon as the marker is stored.
//
// Admins and unknown ids are dropped from the user set. Duplicate ids are
// sent to once.
func (c *Coordinator) Dispatch(ctx context.Context, userIDs []int64, message string, req notify.SendRequest) (Key, error) {
	if len(userIDs) == 0 {
		return "", ErrEmptyBatch
	}
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	users, err := c.store.ListUsers(ctx, storage.UserFilter{IDs: ids, ExcludeAdmins: true})
	if err != nil {
		return "", fmt.Errorf("batch: load users: %w", err)
	}
	if len(users) == 0 {
		return "", ErrNoRecipients
	}

	key := Key(uuid.NewString())
	marker := storage.Batch{
		Key:       string(key),
		UserIDs:   make([]int64, 0, len(users)),
		Message:   message,
		StartedAt: c.now(),
	}
	for _, u := range users {
		marker.UserIDs = append(marker.UserIDs, u.ID)
	}

	if c.isStopped() {
		return "", ErrStopped
	}
	// The marker is stored before any send so every record of this run is
	// created at or after StartedAt.
	if err := c.store.PutBatch(ctx, marker); err != nil {
		return "", fmt.Errorf("batch: store marker: %w", err)
	}

	cfg := c.Config()
	// Detached from the request: the fan-out outlives the call that started it.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		// Nothing will be sent for this marker.
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer fcancel()
		if err := c.store.FinishBatch(fctx, string(key), c.now()); err != nil {
			c.log.Warn("finish unsent batch failed", logx.String("batch", string(key)), logx.Err(err))
		}
		return "", ErrStopped
	}
	c.running[key] = cancel
	c.runWG.Add(1)
	c.mu.Unlock()

	c.metrics.BatchStarted()
	c.publish(eventbus.BatchStarted, marker)
	c.log.Info("batch started",
		logx.String("batch", string(key)),
		logx.Int("users", len(users)),
		logx.Int("workers", cfg.Workers),
		logx.Duration("timeout", cfg.Timeout),
	)

	go func() {
		defer c.runWG.Done()
		defer cancel()
		c.run(runCtx, key, users, message, req, cfg.Workers)
	}()
	return key, nil
}

func (c *Coordinator) run(ctx context.Context, key Key, users []notify.User, message string, req notify.SendRequest, workers int) {
	started := time.Now()
	log := c.log.With(logx.String("batch", string(key)))

	var delivered, exhausted atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i := range users {
		if ctx.Err() != nil {
			break
		}
		u := users[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic in batch send", logx.Int64("user_id", u.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			if ctx.Err() != nil {
				return nil
			}
			if c.sender.Send(ctx, &u, message, req) {
				delivered.Add(1)
			} else {
				exhausted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	delete(c.running, key)
	c.mu.Unlock()

	deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
	sum := Summary{
		Key:       key,
		Users:     len(users),
		Delivered: int(delivered.Load()),
		Exhausted: int(exhausted.Load()),
		Skipped:   len(users) - int(delivered.Load()+exhausted.Load()),
		Deadline:  deadline,
		Took:      time.Since(started),
	}
	result := "completed"
	switch {
	case deadline:
		result = "deadline"
	case ctx.Err() != nil:
		result = "stopped"
	}
	// A run that left nothing pending can be stamped right away; otherwise the
	// poller or the janitor does it later.
	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	if _, err := c.Clear(cctx, key); err != nil {
		log.Warn("batch clear failed", logx.Err(err))
	}

	c.metrics.BatchFinished(result)
	c.publish(eventbus.BatchFinished, sum)

	fields := []logx.Field{
		logx.String("result", result),
		logx.Int("users", sum.Users),
		logx.Int("delivered", sum.Delivered),
		logx.Int("failed", sum.Exhausted),
		logx.Int("skipped", sum.Skipped),
		logx.Duration("dur", sum.Took),
	}
	if result == "completed" {
		log.Info("batch finished", fields...)
	} else {
		log.Warn("batch finished", fields...)
	}
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}

// Stop cancels running fan-outs and waits for them until ctx ends. New
// batches are refused afterwards.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	for _, cancel := range c.running {
		cancel()
	}
	n := len(c.running)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("coordinator stopped", logx.Int("cancelled", n))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
