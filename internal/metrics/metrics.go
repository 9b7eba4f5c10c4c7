// Package metrics instruments providers and sync processors with Prometheus
// counters and exposes them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kpvault-go/internal/vfs"
)

// Metrics owns its registry so tests and multiple apps never collide on the
// global default registry.
type Metrics struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	statuses    *prometheus.CounterVec
	resolutions *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kpvault_provider_operations_total",
			Help: "Provider operations by backend, operation and outcome",
		}, []string{"backend", "operation", "outcome", "error"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kpvault_provider_operation_duration_seconds",
			Help:    "Duration of provider operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		statuses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kpvault_sync_status_total",
			Help: "Sync status checks by backend and resulting status",
		}, []string{"backend", "status"}),
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kpvault_sync_resolutions_total",
			Help: "Sync resolutions by backend, strategy and outcome",
		}, []string{"backend", "strategy", "outcome"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger vfs.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting metrics server", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Metrics) observe(backend vfs.BackendKind, op string, start time.Time, outcome vfs.Outcome, err *vfs.Error) {
	errKind := ""
	if err != nil {
		errKind = err.Kind.String()
	}
	m.operations.WithLabelValues(string(backend), op, outcome.String(), errKind).Inc()
	m.duration.WithLabelValues(string(backend), op).Observe(time.Since(start).Seconds())
}
