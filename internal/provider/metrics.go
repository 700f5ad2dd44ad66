package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	providerAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "provider",
		Name:      "attempts_total",
		Help:      "Analysis attempts by provider and outcome.",
	}, []string{"provider", "outcome"}) // "success", "transient", "quota", "fatal"

	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Subsystem: "provider",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single provider attempt in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	providerDemotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "provider",
		Name:      "demotions_total",
		Help:      "Providers demoted for the session after a quota failure.",
	}, []string{"provider"})

	providerFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "provider",
		Name:      "fallbacks_total",
		Help:      "Synthetic fallback results by reason.",
	}, []string{"reason"}) // "exhausted", "deadline", "pinned_failure", "mock_panic"
)

func init() {
	prometheus.MustRegister(providerAttempts, providerLatency, providerDemotions, providerFallbacks)
}
