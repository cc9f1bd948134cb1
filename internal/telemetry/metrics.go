package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's Prometheus instruments. These are process
// observability only; the safety-relevant aggregation happens in the
// metrics monitor over the decision and outcome logs.
type Metrics struct {
	DecisionsTotal  *prometheus.CounterVec
	DecisionLatency prometheus.Histogram
	DegradedTotal   prometheus.Counter
	OutcomesTotal   *prometheus.CounterVec
	InboxRetries    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autogate",
			Name:      "decisions_total",
			Help:      "Decisions returned, by decision kind and reason code.",
		}, []string{"decision", "reason"}),
		DecisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autogate",
			Name:      "decision_latency_seconds",
			Help:      "Synchronous decision path latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		DegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autogate",
			Name:      "degraded_decisions_total",
			Help:      "Decisions that failed closed due to a component fault.",
		}),
		OutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autogate",
			Name:      "outcomes_ingested_total",
			Help:      "Ground-truth outcomes ingested, by sfn flag.",
		}, []string{"sfn"}),
		InboxRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autogate",
			Name:      "outcome_inbox_retries_total",
			Help:      "Outcome ingestion attempts that failed and were rescheduled.",
		}),
	}
}
