package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionsSuperseded prometheus.Counter
	AuthFailuresTotal  prometheus.Counter

	// Sample pipeline metrics
	SamplesIngestedTotal prometheus.Counter
	SubscriberDropsTotal *prometheus.CounterVec
	SubscribersActive    prometheus.Gauge

	// Action metrics
	PendingActions        prometheus.Gauge
	ActionsSubmittedTotal *prometheus.CounterVec
	ActionResultsTotal    *prometheus.CounterVec
	OrphanResultsTotal    prometheus.Counter

	// Decision engine metrics
	IssuesDetectedTotal    *prometheus.CounterVec
	ActionsSuppressedTotal prometheus.Counter
	LLMFallbacksTotal      prometheus.Counter
	RiskScore              *prometheus.GaugeVec
}

// New creates and registers all metrics on the given registerer. Production
// code passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "sessions_active",
			Help:      "Number of live validator sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "sessions_total",
			Help:      "Total number of accepted validator sessions",
		}),
		SessionsSuperseded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "sessions_superseded_total",
			Help:      "Total number of sessions evicted by a newer connection for the same validator",
		}),
		AuthFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "auth_failures_total",
			Help:      "Total number of rejected handshakes",
		}),
		SamplesIngestedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "samples_ingested_total",
			Help:      "Total number of metric samples accepted from validator sessions",
		}),
		SubscriberDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "subscriber_drops_total",
			Help:      "Samples dropped per subscriber because its queue was full",
		}, []string{"subscriber"}),
		SubscribersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "subscribers_active",
			Help:      "Number of live metric subscribers",
		}),
		PendingActions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "pending_actions",
			Help:      "Number of actions awaiting a result",
		}),
		ActionsSubmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "actions_submitted_total",
			Help:      "Total number of actions dispatched to validator sessions",
		}, []string{"kind"}),
		ActionResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "action_results_total",
			Help:      "Total number of resolved actions by terminal status",
		}, []string{"status"}),
		OrphanResultsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "broker",
			Name:      "orphan_results_total",
			Help:      "Total number of results that matched no pending action",
		}),
		IssuesDetectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "engine",
			Name:      "issues_detected_total",
			Help:      "Total number of classified issues by kind",
		}, []string{"issue"}),
		ActionsSuppressedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "engine",
			Name:      "actions_suppressed_total",
			Help:      "Total number of remediations suppressed by debounce or the action cap",
		}),
		LLMFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot",
			Subsystem: "engine",
			Name:      "llm_fallbacks_total",
			Help:      "Total number of plans that fell back to the static rulebook",
		}),
		RiskScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "copilot",
			Subsystem: "engine",
			Name:      "risk_score",
			Help:      "Latest composite risk score per validator",
		}, []string{"validator_id"}),
	}
}
