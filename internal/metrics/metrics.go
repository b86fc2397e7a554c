package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus collectors. Each instance owns a
// private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Decisions           *prometheus.CounterVec
	Refreshes           *prometheus.CounterVec
	Reports             *prometheus.CounterVec
	DownloadChecks      *prometheus.CounterVec
	DroppedInteractions prometheus.Counter
	EvaluationFailures  prometheus.Counter
	TrackedTabs         prometheus.Gauge
	CachedPolicies      prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "athos_navigation_decisions_total",
			Help: "Navigation decisions by verdict.",
		}, []string{"verdict"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "athos_refreshes_total",
			Help: "Policy and prohibited-list refreshes by source and outcome.",
		}, []string{"source", "outcome"}),
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "athos_reports_total",
			Help: "Audit events by event type and delivery result.",
		}, []string{"event_type", "result"}),
		DownloadChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "athos_download_checks_total",
			Help: "Download gatekeeper verdicts.",
		}, []string{"result"}),
		DroppedInteractions: f.NewCounter(prometheus.CounterOpts{
			Name: "athos_interactions_dropped_total",
			Help: "Interaction events dropped by the per-tab throttle.",
		}),
		EvaluationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "athos_evaluation_failures_total",
			Help: "Local navigation evaluations that failed open.",
		}),
		TrackedTabs: f.NewGauge(prometheus.GaugeOpts{
			Name: "athos_tracked_tabs",
			Help: "Tabs with an active time-on-page session.",
		}),
		CachedPolicies: f.NewGauge(prometheus.GaugeOpts{
			Name: "athos_cached_policies",
			Help: "Policies in the current cached set.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
