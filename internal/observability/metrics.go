// File: internal/observability/metrics.go
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/interaction"
)

// Metrics holds the prometheus collectors for a run. It implements interaction.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	units      *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
	waits      *prometheus.HistogramVec
	waitErrors *prometheus.CounterVec
	strategies *prometheus.CounterVec
	scenarios  *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "action_units_total",
			Help:      "Action units executed, by action and outcome.",
		}, []string{"action", "outcome"}),
		attempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Name:      "action_unit_attempts",
			Help:      "Attempts used per action unit.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"action"}),
		waits: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for conditions, by condition kind.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
		waitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "wait_failures_total",
			Help:      "Waits that did not succeed, by condition kind and reason.",
		}, []string{"kind", "reason"}),
		strategies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "locator_strategy_results_total",
			Help:      "Locator strategy probes, by strategy kind and result.",
		}, []string{"strategy", "result"}),
		scenarios: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "scenarios_total",
			Help:      "Scenarios finished, by status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) ObserveWait(kind string, d time.Duration, err error) {
	m.waits.WithLabelValues(kind).Observe(d.Seconds())
	switch {
	case err == nil:
	case interaction.IsTimeout(err):
		m.waitErrors.WithLabelValues(kind, "timeout").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		m.waitErrors.WithLabelValues(kind, "cancelled").Inc()
	default:
		m.waitErrors.WithLabelValues(kind, "error").Inc()
	}
}

func (m *Metrics) ObserveStrategy(kind interaction.StrategyKind, result string) {
	m.strategies.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) ObserveUnit(action interaction.ActionKind, outcome string, attempts int) {
	m.units.WithLabelValues(string(action), outcome).Inc()
	m.attempts.WithLabelValues(string(action)).Observe(float64(attempts))
}

// ObserveScenario counts a finished scenario.
func (m *Metrics) ObserveScenario(status string) {
	m.scenarios.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics.", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
