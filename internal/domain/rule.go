package domain

// RuleConfig defines one screening rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over the feature snapshot, returning a score in [0,1]
	Expression string `json:"expression"`

	// Rule weight in the ensemble
	Weight float64 `json:"weight"`

	Enabled bool `json:"enabled"`
}

// RuleResult is the output of a single screening rule.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Error     string  `json:"error,omitempty"`
	ProcessMs int64   `json:"processMs"`
}
