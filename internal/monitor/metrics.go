// Package monitor exposes engine metrics through Prometheus.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the failover engine.
// All record methods are nil-safe so the engine can run without
// metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	regionsDisabled *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	eligibleRegions prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_sessions_total",
			Help: "Completed failover sessions by outcome.",
		}, []string{"outcome"}),
		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_attempts_total",
			Help: "Individual region invocation attempts by result class.",
		}, []string{"region", "result"}),
		regionsDisabled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_regions_disabled_total",
			Help: "Regions pushed into cooldown after persisted failures.",
		}, []string{"region"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "failover_session_duration_seconds",
			Help:    "Wall time of one failover session.",
			Buckets: prometheus.DefBuckets,
		}),
		eligibleRegions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "failover_eligible_regions",
			Help: "Eligible regions at the last selection.",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSession records a finished session and its duration.
func (m *Metrics) RecordSession(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordAttempt records one region invocation attempt.
// result is one of "success", "validation_error", "transport_error".
func (m *Metrics) RecordAttempt(region, result string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(region, result).Inc()
}

// RecordRegionDisabled records a region entering cooldown.
func (m *Metrics) RecordRegionDisabled(region string) {
	if m == nil {
		return
	}
	m.regionsDisabled.WithLabelValues(region).Inc()
}

// SetEligibleRegions publishes the candidate count of the last
// selection.
func (m *Metrics) SetEligibleRegions(n int) {
	if m == nil {
		return
	}
	m.eligibleRegions.Set(float64(n))
}
