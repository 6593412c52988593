// Package dispatch delivers one message to one user, falling back through
// channels in priority order until one succeeds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"pewnotify/internal/metrics"
	"pewnotify/internal/notify"
	"pewnotify/internal/provider"
	"pewnotify/internal/storage"
	logx "pewnotify/pkg/logx"
)

const (
	DefaultAttemptTimeout = 15 * time.Second

	// bookkeepingTimeout bounds record writes made after an outcome is known.
	bookkeepingTimeout = 5 * time.Second
)

// Send results used for metrics.
const (
	resultDelivered = "delivered"
	resultExhausted = "exhausted"
	resultAbandoned = "abandoned"
)

type Config struct {
	DefaultPriority []notify.Channel
	AttemptTimeout  time.Duration
	ChannelTimeouts map[notify.Channel]time.Duration
}

type Dispatcher struct {
	store     storage.AttemptStore
	providers provider.Set
	log       logx.Logger
	metrics   *metrics.Metrics

	cfg atomic.Pointer[Config]

	// inflight holds the ids of records whose attempt has not returned yet.
	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(store storage.AttemptStore, providers provider.Set, cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store:     store,
		providers: providers,
		log:       log.With(logx.String("comp", "dispatch")),
		inflight:  map[string]struct{}{},
	}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the defaults used by later sends. In-flight sends keep theirs.
func (d *Dispatcher) Apply(cfg Config) {
	if len(cfg.DefaultPriority) == 0 {
		cfg.DefaultPriority = notify.DefaultPriority()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	cfg.DefaultPriority = append([]notify.Channel(nil), cfg.DefaultPriority...)
	cfg.ChannelTimeouts = maps.Clone(cfg.ChannelTimeouts)
	d.cfg.Store(&cfg)
}

func (d *Dispatcher) Config() Config { return *d.cfg.Load() }

func (d *Dispatcher) Providers() provider.Set { return d.providers }

// InFlight lists the records still owned by a running attempt.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.inflight))
}

func (d *Dispatcher) own(id string) {
	d.mu.Lock()
	d.inflight[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Budget is the longest a send with req can take under the current config:
// every recognized channel of its priority list runs to its timeout.
func (d *Dispatcher) Budget(req notify.SendRequest) time.Duration {
	cfg := d.cfg.Load()
	priority := req.Priority
	if len(priority) == 0 {
		priority = cfg.DefaultPriority
	}
	var total time.Duration
	for _, ch := range priority {
		if ch.Valid() {
			total += cfg.timeout(ch, req) + bookkeepingTimeout
		}
	}
	return total
}

// MaxTimeout is the longest single attempt the config allows without a
// per-call override.
func (c Config) MaxTimeout() time.Duration {
	longest := c.AttemptTimeout
	if longest <= 0 {
		longest = DefaultAttemptTimeout
	}
	for _, t := range c.ChannelTimeouts {
		longest = max(longest, t)
	}
	return longest
}

// timeout picks the attempt timeout: per-call, then per-channel, then default.
func (c *Config) timeout(ch notify.Channel, req notify.SendRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if t, ok := c.ChannelTimeouts[ch]; ok && t > 0 {
		return t
	}
	return c.AttemptTimeout
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSent
	outcomeAbandoned
)

// Send tries each channel of the priority list in order and returns true on
// the first successful attempt. Every channel tried leaves exactly one record.
//
// Channel failures never escape: they are recorded and the next channel is
// tried. If ctx ends mid-attempt the record stays pending and Send returns
// false without trying further channels.
func (d *Dispatcher) Send(ctx context.Context, user *notify.User, message string, req notify.SendRequest) bool {
	if user == nil {
		d.log.Error("send rejected: no user")
		return false
	}
	cfg := d.cfg.Load()
	priority := req.Priority
	if len(priority) == 0 {
		priority = cfg.DefaultPriority
	}

	log := d.log.With(logx.Int64("user_id", user.ID))
	started := time.Now()
	result := resultExhausted
	defer func() { d.metrics.ObserveSend(result, time.Since(started)) }()

	for _, ch := range priority {
		if !ch.Valid() {
			log.Warn("unknown channel skipped", logx.String("channel", string(ch)))
			continue
		}
		if ctx.Err() != nil {
			result = resultAbandoned
			log.Warn("send abandoned", logx.Err(ctx.Err()))
			return false
		}
		switch d.attempt(ctx, log, cfg, user, message, ch, req) {
		case outcomeSent:
			result = resultDelivered
			return true
		case outcomeAbandoned:
			result = resultAbandoned
			return false
		}
	}
	log.Warn("all channels failed", logx.Int("channels", len(priority)))
	return false
}

func (d *Dispatcher) attempt(ctx context.Context, log logx.Logger, cfg *Config, user *notify.User, message string, ch notify.Channel, req notify.SendRequest) outcome {
	log = log.With(logx.String("channel", string(ch)))

	id, err := d.store.Create(ctx, user.ID, message, ch)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeAbandoned
		}
		// Without a record the attempt cannot be audited; move on.
		log.Error("create attempt record failed", logx.Err(err))
		return outcomeFailed
	}
	d.own(id)
	defer d.release(id)
	log = log.With(logx.String("attempt_id", id))

	recipient, ok := notify.Resolve(user, ch)
	if !ok {
		d.fail(ctx, log, id, notify.ReasonNoRecipient)
		d.metrics.ObserveAttempt(ch, metrics.OutcomeNoRecipient, 0)
		return outcomeFailed
	}
	p, ok := d.providers.Lookup(ch)
	if !ok {
		d.fail(ctx, log, id, notify.ReasonNotConfigured)
		d.metrics.ObserveAttempt(ch, metrics.OutcomeNotConfigured, 0)
		return outcomeFailed
	}

	timeout := cfg.timeout(ch, req)
	started := time.Now()
	receipt, err := call(ctx, p, timeout, recipient, message, req.Options(ch))
	took := time.Since(started)

	switch {
	case err == nil:
		meta := make(map[string]string, len(receipt)+2)
		maps.Copy(meta, receipt)
		meta[notify.MetaChannel] = string(ch)
		meta[notify.MetaRecipient] = recipient
		bctx, cancel := bookkeeping(ctx)
		defer cancel()
		if err := d.store.MarkSent(bctx, id, meta); err != nil {
			log.Error("mark sent failed", logx.Err(err))
		}
		d.metrics.ObserveAttempt(ch, metrics.OutcomeSent, took)
		log.Info("notification sent", logx.Duration("took", took))
		return outcomeSent

	case ctx.Err() != nil:
		// Cancelled by the caller, not by the attempt timeout. The provider may
		// still deliver, so the record is left pending.
		d.metrics.ObserveAttempt(ch, metrics.OutcomeAbandoned, took)
		log.Warn("attempt abandoned", logx.Err(ctx.Err()))
		return outcomeAbandoned

	case errors.Is(err, errTimeout):
		d.fail(ctx, log, id, notify.ReasonTimeout)
		d.metrics.ObserveAttempt(ch, metrics.OutcomeTimeout, took)
		return outcomeFailed

	default:
		var pe *panicError
		if errors.As(err, &pe) {
			d.metrics.ObserveAttempt(ch, metrics.OutcomePanic, took)
		} else {
			d.metrics.ObserveAttempt(ch, metrics.OutcomeFailed, took)
		}
		d.fail(ctx, log, id, err.Error())
		return outcomeFailed
	}
}

func (d *Dispatcher) fail(ctx context.Context, log logx.Logger, id, reason string) {
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := d.store.MarkFailed(bctx, id, reason); err != nil {
		log.Error("mark failed failed", logx.Err(err))
		return
	}
	log.Warn("attempt failed", logx.String("reason", reason))
}

// bookkeeping detaches record writes from caller cancellation once the
// outcome is known.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

var errTimeout = errors.New(notify.ReasonTimeout)

type panicError struct{ v any }

func (e *panicError) Error() string { return fmt.Sprintf("provider panic: %v", e.v) }

type callResult struct {
	receipt provider.Receipt
	err     error
}

// call runs one provider attempt bounded by timeout. A provider that ignores
// its context is abandoned when the timeout fires; its goroutine finishes on
// its own into a buffered channel.
func call(ctx context.Context, p provider.Provider, timeout time.Duration, recipient, message string, opt notify.Options) (provider.Receipt, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: &panicError{v: r}}
			}
		}()
		receipt, err := p.Attempt(actx, recipient, message, opt)
		done <- callResult{receipt: receipt, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && actx.Err() != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return res.receipt, res.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errTimeout
	}
}
