package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the tenant module.
// Tracks signup outcomes, identifier collisions and identity provider latency.
type Metrics struct {
	TenantsCreated        prometheus.Counter
	SignupOutcomes        *prometheus.CounterVec
	SignupDuration        prometheus.Histogram
	IDCollisions          prometheus.Counter
	IdentifierExhaustion  prometheus.Counter
	IdentityProviderCalls *prometheus.HistogramVec
	ProvisioningRetries   *prometheus.CounterVec
	StatusTransitions     *prometheus.CounterVec
	VerificationThrottled prometheus.Counter
}

// New creates a new Metrics instance with all tenant module metrics registered.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers on reg so tests can use an isolated registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TenantsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_tenants_created_total",
			Help: "Total number of tenant records created by signup",
		}),
		SignupOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenancy_signup_outcomes_total",
			Help: "Signup attempts by outcome and rejection kind",
		}, []string{"outcome", "kind"}),
		SignupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenancy_signup_duration_seconds",
			Help:    "End-to-end duration of signup attempts",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		IDCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_tenant_id_collisions_total",
			Help: "Generated tenant identifiers that already existed",
		}),
		IdentifierExhaustion: f.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_tenant_id_exhaustion_total",
			Help: "Signups aborted because every identifier attempt collided (entropy or store alarm)",
		}),
		IdentityProviderCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenancy_identity_provider_call_duration_seconds",
			Help:    "Identity provider call latency by operation and result",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "result"}),
		ProvisioningRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenancy_provisioning_retries_total",
			Help: "Retries of identity provider setup for pending tenants by result",
		}, []string{"result"}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenancy_tenant_status_transitions_total",
			Help: "Tenant status transitions by target status",
		}, []string{"to"}),
		VerificationThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_verification_resend_throttled_total",
			Help: "Verification resend requests rejected by the cooldown",
		}),
	}
}

// IncrementTenantCreated records a successful tenant creation.
func (m *Metrics) IncrementTenantCreated() {
	m.TenantsCreated.Inc()
}

// RecordSignup records the outcome and duration of one signup attempt.
// kind is empty for non-rejected outcomes.
func (m *Metrics) RecordSignup(outcome, kind string, start time.Time) {
	m.SignupOutcomes.WithLabelValues(outcome, kind).Inc()
	m.SignupDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementIDCollision() {
	m.IDCollisions.Inc()
}

func (m *Metrics) IncrementIdentifierExhaustion() {
	m.IdentifierExhaustion.Inc()
}

// ObserveIdentityProvider records the duration of an identity provider call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveIdentityProvider(operation string, err error, start time.Time) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.IdentityProviderCalls.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementProvisioningRetry(result string) {
	m.ProvisioningRetries.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementStatusTransition(to string) {
	m.StatusTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncrementVerificationThrottled() {
	m.VerificationThrottled.Inc()
}
