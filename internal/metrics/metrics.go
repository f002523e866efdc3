// Package metrics provides Prometheus metrics for live sessions.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "optsim"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	Bars       *prometheus.CounterVec
	Trades     *prometheus.CounterVec
	Ticks      prometheus.Counter
	SessionMTM prometheus.Gauge
	Halted     prometheus.Gauge
	APILatency *prometheus.HistogramVec
	APIErrors  *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Bars: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_total",
			Help:      "Completed bars applied to the session, by leg",
		}, []string{"leg"}),
		Trades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Completed round trips, by leg and exit reason",
		}, []string{"leg", "reason"}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Feed ticks received",
		}),
		SessionMTM: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_mtm",
			Help:      "Realized plus unrealized session P&L in points",
		}),
		Halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "halted",
			Help:      "1 once the session has halted trading",
		}),
		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_latency_seconds",
			Help:      "Market data API latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		APIErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Failed market data API calls",
		}, []string{"endpoint"}),
	}
}

// Registry exposes the registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAPI records one API call. Its signature matches the broker
// client's observe hook.
func (m *Metrics) ObserveAPI(endpoint string, took time.Duration, err error) {
	m.APILatency.WithLabelValues(endpoint).Observe(took.Seconds())
	if err != nil {
		m.APIErrors.WithLabelValues(endpoint).Inc()
	}
}

// RecordBar counts one applied bar.
func (m *Metrics) RecordBar(leg string) {
	m.Bars.WithLabelValues(leg).Inc()
}

// RecordTrade counts one completed trade.
func (m *Metrics) RecordTrade(leg, reason string) {
	m.Trades.WithLabelValues(leg, reason).Inc()
}

// RecordTick counts one feed tick.
func (m *Metrics) RecordTick() {
	m.Ticks.Inc()
}

// SetSession publishes the session MTM and halt flag.
func (m *Metrics) SetSession(mtm float64, halted bool) {
	m.SessionMTM.Set(mtm)
	if halted {
		m.Halted.Set(1)
	} else {
		m.Halted.Set(0)
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
