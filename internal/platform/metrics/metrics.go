package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process-wide HTTP and isolation metrics.
type Metrics struct {
	HTTPRequestDuration *prometheus.HistogramVec
	TenantContextLeaks  prometheus.Counter
	UnauthorizedTotal   prometheus.Counter
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers on reg so tests can use an isolated registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenancy_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern, method and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		TenantContextLeaks: f.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_tenant_context_leaks_total",
			Help: "Tenant context holders returned to the pool while still bound",
		}),
		UnauthorizedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_unauthorized_requests_total",
			Help: "Requests rejected for missing or invalid credentials",
		}),
	}
}

// IncrementTenantContextLeak records one leaked holder.
func (m *Metrics) IncrementTenantContextLeak() {
	m.TenantContextLeaks.Inc()
}

func (m *Metrics) IncrementUnauthorized() {
	m.UnauthorizedTotal.Inc()
}

func (m *Metrics) ObserveHTTPRequest(route, method, status string, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}
