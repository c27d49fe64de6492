// Package metrics exposes Prometheus instrumentation for probe runs.
// All methods are nil-safe so callers can skip wiring it entirely.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the probe counters and timings.
type Metrics struct {
	registry *prometheus.Registry

	probesTotal    *prometheus.CounterVec
	rateLimitHits  prometheus.Counter
	backoffSeconds prometheus.Histogram
	probeDuration  prometheus.Histogram
}

// New builds a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		probesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stalkerprobe",
			Name:      "probes_total",
			Help:      "Device probes by classified outcome.",
		}, []string{"status"}),
		rateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stalkerprobe",
			Name:      "rate_limit_hits_total",
			Help:      "HTTP 429 responses observed during probing.",
		}),
		backoffSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stalkerprobe",
			Name:      "backoff_wait_seconds",
			Help:      "Backoff waits applied after rate limiting.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		probeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stalkerprobe",
			Name:      "probe_duration_seconds",
			Help:      "Wall time to probe one identity (handshake + authenticate).",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveProbe records one completed identity probe.
func (m *Metrics) ObserveProbe(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(status).Inc()
	m.probeDuration.Observe(d.Seconds())
}

// ObserveRateLimit records a 429 and the backoff wait chosen for it.
func (m *Metrics) ObserveRateLimit(wait time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitHits.Inc()
	m.backoffSeconds.Observe(wait.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if m == nil || addr == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
