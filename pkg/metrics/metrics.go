package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for budget checks and overrides.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	checks      *prometheus.CounterVec
	usage       *prometheus.GaugeVec
	resolutions *prometheus.CounterVec
	usageCost   *prometheus.CounterVec
}

// New creates Metrics registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spendguard",
				Name:      "budget_checks_total",
				Help:      "Budget checks performed, by verdict.",
			},
			[]string{"verdict"},
		),
		usage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "spendguard",
				Name:      "budget_usage_percentage",
				Help:      "Last evaluated usage percentage per budget target.",
			},
			[]string{"target"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spendguard",
				Name:      "override_resolutions_total",
				Help:      "Override confirmations resolved, by outcome.",
			},
			[]string{"outcome"},
		),
		usageCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spendguard",
				Name:      "usage_cost_total",
				Help:      "Recorded AI usage cost, by model.",
			},
			[]string{"model"},
		),
	}
	reg.MustRegister(m.checks, m.usage, m.resolutions, m.usageCost)
	return m
}

// RegisterPending exposes a gauge that reads the number of pending confirmations.
func (m *Metrics) RegisterPending(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "spendguard",
			Name:      "override_pending",
			Help:      "Override confirmations currently awaiting a decision.",
		},
		func() float64 { return float64(fn()) },
	))
}

// ObserveCheck counts a budget check by verdict.
func (m *Metrics) ObserveCheck(verdict string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(verdict).Inc()
}

// ObserveUsage records the usage percentage of a target.
func (m *Metrics) ObserveUsage(target string, pct float64) {
	if m == nil {
		return
	}
	m.usage.WithLabelValues(target).Set(pct)
}

// ObserveResolution counts an override outcome.
func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

// ObserveCost adds recorded spend for a model.
func (m *Metrics) ObserveCost(model string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.usageCost.WithLabelValues(model).Add(cost)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
