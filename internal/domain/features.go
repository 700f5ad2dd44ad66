package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Feature names produced by the feature service and read by the
// screening rules and the escalation predicate.
const (
	FeatureMerchantRisk    = "merchant_risk_score"
	FeatureBehaviorAnomaly = "behavior_anomaly_score"
	FeatureVelocity1h      = "velocity_1h"
	FeatureVelocity24h     = "velocity_24h"
	FeatureGeoRisk         = "geo_risk_score"
	FeatureAmountZScore    = "amount_zscore"
	FeatureIsOnline        = "is_online"
	FeatureIsForeign       = "is_foreign"
)

// FeatureSnapshot is the numeric feature map computed once per transaction.
type FeatureSnapshot map[string]float64

// Get returns a feature value or 0 when absent.
func (f FeatureSnapshot) Get(name string) float64 {
	if f == nil {
		return 0
	}
	return f[name]
}

// Describe renders the features in a stable order for prompts.
func (f FeatureSnapshot) Describe() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%.3f\n", k, f[k])
	}
	return b.String()
}

// FeatureProvider computes the feature snapshot for a transaction.
type FeatureProvider interface {
	Compute(ctx context.Context, tx *Transaction) (FeatureSnapshot, error)
}

// ScreeningModel is the cheap, always-run statistical model.
type ScreeningModel interface {
	Score(ctx context.Context, features FeatureSnapshot, tx *Transaction) (ScreeningResult, error)
}

// RetrievalStore returns historical fraud patterns similar to a query.
type RetrievalStore interface {
	Search(ctx context.Context, query string, k int) ([]Pattern, error)
	Add(ctx context.Context, p *Pattern) error
}

// AuditSink receives one immutable audit record per decision.
type AuditSink interface {
	Record(ctx context.Context, rec *AuditRecord) error
}
