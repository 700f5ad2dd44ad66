package domain

import (
	"time"
)

// ScreeningResult is the output of the screening model.
type ScreeningResult struct {
	FraudProbability float64 `json:"fraudProbability"`
	Confidence       float64 `json:"confidence"`

	// Rule breakdown, when the model exposes one.
	RuleResults []RuleResult `json:"ruleResults,omitempty"`
}

// DecisionResult is the terminal output for one transaction.
type DecisionResult struct {
	TransactionID    string  `json:"transaction_id"`
	IsFraud          bool    `json:"is_fraud"`
	ConfidenceScore  float64 `json:"confidence_score"`
	DecisionReason   string  `json:"decision_reason"`
	RequiresReview   bool    `json:"requires_review"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`

	// Observability extras
	FraudProbability float64      `json:"fraud_probability"`
	Escalated        bool         `json:"escalated"`
	Provider         ProviderKind `json:"provider,omitempty"`
	AuditID          string       `json:"audit_id,omitempty"`
}

// AuditRecord is the immutable snapshot handed to the audit sink.
type AuditRecord struct {
	ID          string          `json:"id"`
	Transaction Transaction     `json:"transaction"`
	Features    FeatureSnapshot `json:"features"`
	Screening   ScreeningResult `json:"screening"`
	Decision    DecisionResult  `json:"decision"`
	Analysis    *AnalysisResult `json:"analysis,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Feedback is analyst feedback on an already-decided transaction.
type Feedback struct {
	TransactionID string    `json:"transaction_id"`
	ActualFraud   bool      `json:"actual_fraud"`
	AnalystNotes  string    `json:"analyst_notes"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}
