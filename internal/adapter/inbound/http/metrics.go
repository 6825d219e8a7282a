package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the runtime. Pass the same
// instance to the middleware chain and to the services that record from
// inside the request path.
type Metrics struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	PolicyDenials      prometheus.Counter
	AuditWriteFailures prometheus.Counter
	IdempotencyReplays prometheus.Counter
}

// NewMetrics creates and registers all instruments with the given registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	return &Metrics{
		reg: reg,
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "actiongate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "actiongate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		PolicyDenials: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "actiongate",
				Name:      "policy_denials_total",
				Help:      "Total requests denied by RBAC or payload rules",
			},
		),
		AuditWriteFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "actiongate",
				Name:      "audit_write_failures_total",
				Help:      "Total audit rows that failed to persist",
			},
		),
		IdempotencyReplays: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "actiongate",
				Name:      "idempotency_replays_total",
				Help:      "Total requests answered from the idempotency store",
			},
		),
	}
}

// Handler serves the registry on /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
