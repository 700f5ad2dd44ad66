package screening

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultRules is the rule set seeded into an empty repository. Each rule
// scores 0 for ordinary traffic so a clean transaction screens with high
// confidence.
func DefaultRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "merchant-risk",
			Name:        "Risky merchant",
			Description: "Merchant category or history carries elevated fraud risk",
			Version:     "1.0.0",
			Expression:  "merchant_risk_score > 0.5 ? merchant_risk_score : 0.0",
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "behavior-anomaly",
			Name:        "Customer behavior anomaly",
			Description: "Transaction departs from the customer's usual pattern",
			Version:     "1.0.0",
			Expression:  "behavior_anomaly_score > 0.5 ? behavior_anomaly_score : 0.0",
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "velocity-burst",
			Name:        "Velocity burst",
			Description: "Many transactions from the same customer within the last hour",
			Version:     "1.0.0",
			Expression:  "velocity_1h > 10.0 ? 1.0 : (velocity_1h > 5.0 ? 0.7 : 0.0)",
			Weight:      1.5,
			Enabled:     true,
		},
		{
			ID:          "amount-outlier",
			Name:        "Amount outlier",
			Description: "Amount is far above the customer's recent average",
			Version:     "1.0.0",
			Expression:  "amount_zscore > 3.0 ? 0.9 : (amount_zscore > 2.0 ? 0.6 : 0.0)",
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "geo-risk",
			Name:        "Geographic risk",
			Description: "Merchant country is on the high-risk list or far from home",
			Version:     "1.0.0",
			Expression:  "geo_risk_score > 0.5 ? geo_risk_score : 0.0",
			Weight:      1.0,
			Enabled:     true,
		},
		{
			ID:          "foreign-online",
			Name:        "Foreign card-not-present",
			Description: "Online purchase at a merchant outside the customer's country",
			Version:     "1.0.0",
			Expression:  "is_foreign > 0.5 && is_online > 0.5 ? 0.6 : 0.0",
			Weight:      0.5,
			Enabled:     true,
		},
	}
}
