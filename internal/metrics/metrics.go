// Package metrics holds the Prometheus collectors for the pool, validator, rotator and router.
// Collectors are registered on a caller-supplied registry; a nil *Metrics is a valid no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "egress"

// Label values shared by several collectors.
const (
	ResultOK       = "ok"
	ResultFail     = "fail"
	ResultAdmitted = "admitted"
	ResultRejected = "rejected"
	ResultKnown    = "known"
)

type Metrics struct {
	poolResources      *prometheus.GaugeVec
	poolRejections     prometheus.Counter
	poolEvictions      prometheus.Counter
	validations        *prometheus.CounterVec
	validationDuration prometheus.Histogram
	discovered         *prometheus.CounterVec
	providerErrors     *prometheus.CounterVec
	rotatorActive      prometheus.Gauge
	rotatorToggles     *prometheus.CounterVec
	routerRequests     *prometheus.CounterVec
	routerDuration     *prometheus.HistogramVec
	routerFallbacks    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolResources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "resources",
			Help: "Resources in the pool by state (total, working, held).",
		}, []string{"state"}),
		poolRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "rejections_total",
			Help: "Resources refused admission by the health policy or size bound.",
		}),
		poolEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "evictions_total",
			Help: "Resources evicted by cleanup.",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validator", Name: "checks_total",
			Help: "Judge checks by result.",
		}, []string{"result"}),
		validationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "validator", Name: "check_duration_seconds",
			Help:    "Duration of judge checks.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "candidates_total",
			Help: "Discovered candidates by provider and outcome.",
		}, []string{"provider", "result"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "provider_errors_total",
			Help: "Errors yielded by discovery providers.",
		}, []string{"provider"}),
		rotatorActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rotator", Name: "active_endpoints",
			Help: "Endpoints currently active in the rotator.",
		}),
		rotatorToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rotator", Name: "state_changes_total",
			Help: "Endpoint activations and deactivations.",
		}, []string{"change"}),
		routerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "requests_total",
			Help: "Routed requests by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		routerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "router", Name: "request_duration_seconds",
			Help:    "Wall-clock duration of routed requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy"}),
		routerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "fallbacks_total",
			Help: "Strategy downgrades caused by missing resources.",
		}, []string{"from", "to"}),
	}

	reg.MustRegister(
		m.poolResources, m.poolRejections, m.poolEvictions,
		m.validations, m.validationDuration,
		m.discovered, m.providerErrors,
		m.rotatorActive, m.rotatorToggles,
		m.routerRequests, m.routerDuration, m.routerFallbacks,
	)
	return m
}

func (m *Metrics) SetPoolSizes(total, working, held int) {
	if m == nil {
		return
	}
	m.poolResources.WithLabelValues("total").Set(float64(total))
	m.poolResources.WithLabelValues("working").Set(float64(working))
	m.poolResources.WithLabelValues("held").Set(float64(held))
}

func (m *Metrics) PoolRejected() {
	if m == nil {
		return
	}
	m.poolRejections.Inc()
}

func (m *Metrics) PoolEvicted(n int) {
	if m == nil {
		return
	}
	m.poolEvictions.Add(float64(n))
}

func (m *Metrics) ObserveValidation(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := ResultFail
	if ok {
		result = ResultOK
	}
	m.validations.WithLabelValues(result).Inc()
	m.validationDuration.Observe(d.Seconds())
}

func (m *Metrics) Candidate(provider, result string) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ProviderError(provider string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) SetActiveEndpoints(n int) {
	if m == nil {
		return
	}
	m.rotatorActive.Set(float64(n))
}

// EndpointToggled counts a state change; change is "activated" or "deactivated".
func (m *Metrics) EndpointToggled(change string) {
	if m == nil {
		return
	}
	m.rotatorToggles.WithLabelValues(change).Inc()
}

func (m *Metrics) ObserveRequest(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.routerRequests.WithLabelValues(strategy, outcome).Inc()
	m.routerDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) Fallback(from, to string) {
	if m == nil {
		return
	}
	m.routerFallbacks.WithLabelValues(from, to).Inc()
}
