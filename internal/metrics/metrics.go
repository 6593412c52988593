// Package metrics exposes delivery and batch counters for Prometheus.
//
// A nil *Metrics is valid and records nothing, so components never need to
// check whether metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pewnotify/internal/notify"
	logx "pewnotify/pkg/logx"
)

const namespace = "pewnotify"

// Attempt outcomes used as the "outcome" label.
const (
	OutcomeSent          = "sent"
	OutcomeFailed        = "failed"
	OutcomeTimeout       = "timeout"
	OutcomeNoRecipient   = "no_recipient"
	OutcomeNotConfigured = "not_configured"
	OutcomePanic         = "panic"
	OutcomeAbandoned     = "abandoned"
)

type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	sends           *prometheus.CounterVec
	sendLatency     prometheus.Histogram
	batchesStarted  prometheus.Counter
	batchesFinished *prometheus.CounterVec
	batchesInFlight prometheus.Gauge
	janitorFailed   prometheus.Counter
	janitorDeleted  prometheus.Counter
}

// New builds the collectors on a private registry together with the Go
// runtime and process collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Channel delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Provider call latency per channel",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"channel"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Sends by result (delivered|exhausted|abandoned)",
		}, []string{"result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Whole send latency including fallback",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 15, 30, 45, 60, 90},
		}),
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_started_total",
			Help:      "Batch fan-outs started",
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_finished_total",
			Help:      "Batch fan-outs finished by result (completed|deadline)",
		}, []string{"result"}),
		batchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_in_flight",
			Help:      "Batch fan-outs currently running",
		}),
		janitorFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_abandoned_total",
			Help:      "Stale pending records failed by the janitor",
		}),
		janitorDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_batches_deleted_total",
			Help:      "Finished batch markers removed by the janitor",
		}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.attemptLatency, m.sends, m.sendLatency,
		m.batchesStarted, m.batchesFinished, m.batchesInFlight,
		m.janitorFailed, m.janitorDeleted,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAttempt(ch notify.Channel, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(ch), outcome).Inc()
	if took > 0 {
		m.attemptLatency.WithLabelValues(string(ch)).Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveSend(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
	m.sendLatency.Observe(took.Seconds())
}

func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.batchesStarted.Inc()
	m.batchesInFlight.Inc()
}

func (m *Metrics) BatchFinished(result string) {
	if m == nil {
		return
	}
	m.batchesFinished.WithLabelValues(result).Inc()
	m.batchesInFlight.Dec()
}

func (m *Metrics) JanitorSwept(failed, deleted int) {
	if m == nil {
		return
	}
	m.janitorFailed.Add(float64(failed))
	m.janitorDeleted.Add(float64(deleted))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ServeConfig configures the metrics listener.
type ServeConfig struct {
	Addr string
	Path string // default "/metrics"
	// Pprof also mounts net/http/pprof under /debug/pprof/. Bind to
	// localhost when enabled.
	Pprof bool
}

func (m *Metrics) mux(cfg ServeConfig) *http.ServeMux {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

// Serve runs the metrics listener until ctx ends.
func (m *Metrics) Serve(ctx context.Context, cfg ServeConfig, log logx.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: m.mux(cfg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("metrics listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
