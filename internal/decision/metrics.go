package decision

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "decision",
		Name:      "decisions_total",
		Help:      "Decisions by outcome.",
	}, []string{"outcome"}) // "fraud", "legit", "error"

	escalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "decision",
		Name:      "escalations_total",
		Help:      "Transactions escalated to textual analysis.",
	})

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "decision",
		Name:      "audit_failures_total",
		Help:      "Audit records the sink failed to accept.",
	})

	decisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "decision",
		Name:      "duration_seconds",
		Help:      "Time to reach a decision in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, escalationsTotal, auditFailures, decisionDuration)
}
