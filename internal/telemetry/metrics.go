package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "build_info",
		Help:      "Build metadata; always 1.",
	},
	[]string{"version", "commit", "tier"},
)

func init() {
	prometheus.MustRegister(buildInfo)
}

// RecordBuildInfo publishes the running build on kestrel_build_info.
func RecordBuildInfo(version, commit string, tier domain.Tier) {
	buildInfo.WithLabelValues(version, commit, string(tier)).Set(1)
}
