package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Recommendation is the action suggested by an analysis.
type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendDeny    Recommendation = "DENY"
	RecommendReview  Recommendation = "REVIEW"
)

// ProviderKind identifies the analysis backend that produced a result.
type ProviderKind int

const (
	ProviderHostedAPI ProviderKind = iota + 1
	ProviderOnlineGateway
	ProviderLocalDaemon
	ProviderLocalCLI
	ProviderEnhancedMock
	ProviderBasicMock
)

// String returns the provider name used in logs, metrics and JSON.
func (k ProviderKind) String() string {
	switch k {
	case ProviderHostedAPI:
		return "hosted_api"
	case ProviderOnlineGateway:
		return "online_gateway"
	case ProviderLocalDaemon:
		return "local_daemon"
	case ProviderLocalCLI:
		return "local_cli"
	case ProviderEnhancedMock:
		return "enhanced_mock"
	case ProviderBasicMock:
		return "basic_mock"
	default:
		return "unknown"
	}
}

// IsMock reports whether the provider is one of the synthetic tiers.
func (k ProviderKind) IsMock() bool {
	return k == ProviderEnhancedMock || k == ProviderBasicMock
}

// MarshalJSON encodes the kind by name.
func (k ProviderKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind by name.
func (k *ProviderKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseProviderKind(s)
	if !ok {
		return fmt.Errorf("unknown provider kind %q", s)
	}
	*k = parsed
	return nil
}

// ParseProviderKind is the inverse of String.
func ParseProviderKind(s string) (ProviderKind, bool) {
	for k := ProviderHostedAPI; k <= ProviderBasicMock; k++ {
		if strings.EqualFold(k.String(), s) {
			return k, true
		}
	}
	return 0, false
}

// Pattern is a historical fraud pattern used for retrieval-augmented analysis.
type Pattern struct {
	ID        string    `json:"patternId"`
	FraudType string    `json:"fraudType"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"` // "seed" or "feedback"
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// AnalysisRequest is built by the orchestrator before escalation.
type AnalysisRequest struct {
	TransactionText   string    `json:"transactionText"`
	RetrievedPatterns []Pattern `json:"retrievedPatterns"`
}

// PatternIDs returns the ids of the retrieved patterns in order.
func (r *AnalysisRequest) PatternIDs() []string {
	ids := make([]string, 0, len(r.RetrievedPatterns))
	for _, p := range r.RetrievedPatterns {
		ids = append(ids, p.ID)
	}
	return ids
}

// AnalysisResult is the structured judgment of one provider.
type AnalysisResult struct {
	FraudProbability    float64        `json:"fraudProbability"`
	Confidence          float64        `json:"confidence"`
	Reasoning           string         `json:"reasoning"`
	Recommendation      Recommendation `json:"recommendation"`
	RetrievedPatternIDs []string       `json:"retrievedPatternIds"`
	RawText             string         `json:"rawText"`
	Provider            ProviderKind   `json:"provider"`

	// Degraded is set when the result is synthetic because real providers
	// failed or the deadline ran out.
	Degraded bool `json:"degraded,omitempty"`
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
