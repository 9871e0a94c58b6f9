// Package metrics exposes Prometheus counters/gauges/histograms for the
// sidecar over a dedicated, loopback-bound registry — never the default
// global registry, so embedding this module in a larger process cannot
// collide with its metric names.
//
// Naming convention: sentinel_<subsystem>_<name>_<unit>.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every counter/gauge/histogram the sidecar records.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration     *prometheus.HistogramVec
	FuelConsumed         prometheus.Histogram
	ActiveExecutions     prometheus.Gauge
	DispatchCallsTotal   *prometheus.CounterVec
	LeakMatchesTotal     *prometheus.CounterVec
	CapabilityDeniedTotal *prometheus.CounterVec
}

// New builds a Metrics with its own registry and registers every metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_execution_duration_seconds",
			Help:    "Wall-clock duration of a tool execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		FuelConsumed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_fuel_consumed",
			Help:    "Fuel consumed per execution.",
			Buckets: prometheus.ExponentialBuckets(1000, 4, 10),
		}),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_executions",
			Help: "Sandbox executions currently in flight.",
		}),
		DispatchCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_dispatch_calls_total",
			Help: "Host dispatcher calls by op and result code.",
		}, []string{"op", "code"}),
		LeakMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_leak_matches_total",
			Help: "Credential leak scanner matches by pattern name.",
		}, []string{"pattern"}),
		CapabilityDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_capability_denied_total",
			Help: "Dispatcher calls denied for a missing capability.",
		}, []string{"capability"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.FuelConsumed,
		m.ActiveExecutions,
		m.DispatchCallsTotal,
		m.LeakMatchesTotal,
		m.CapabilityDeniedTotal,
	)
	return m
}

// Serve starts the metrics HTTP server bound to addr (expected to be a
// loopback address — see SENTINEL_METRICS_ADDR) and blocks until ctx is
// canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
