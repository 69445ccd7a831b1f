// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabian4/gateway-dispatch-go/internal/breaker"
)

// Metrics owns a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Requests   *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Healthy    *prometheus.GaugeVec
	Breaker    *prometheus.GaugeVec
	RateLimits *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled by the dispatch pipeline.",
		}, []string{"service", "route", "method", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Wall-clock request duration including upstream time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "route"}),
		Healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_healthy_instances",
			Help: "Healthy instances per service as seen by the prober.",
		}, []string{"service"}),
		Breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per service: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
		RateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Rate limit decisions per scope.",
		}, []string{"scope", "decision"}),
	}
	m.registry.MustRegister(m.Requests, m.Duration, m.Healthy, m.Breaker, m.RateLimits)
	return m
}

// SetBreakerState maps a breaker state onto the gauge encoding.
func (m *Metrics) SetBreakerState(service string, st breaker.State) {
	var v float64
	switch st {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	m.Breaker.WithLabelValues(service).Set(v)
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
