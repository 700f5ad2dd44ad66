package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	fraudKeywords = []string{
		"gift card", "crypto", "wire transfer", "money transfer", "gambling",
		"card testing", "account takeover", "stolen", "mule",
	}
	suspiciousKeywords = []string{
		"online purchase", "electronics", "jewelry", "luxury", "new device",
		"travel", "high value",
	}
)

type mockBucket struct {
	name           string
	probability    float64
	confidence     float64
	recommendation domain.Recommendation
	reasoning      string
}

var (
	bucketLegitimate = mockBucket{
		name: "legitimate", probability: 0.15, confidence: 0.75,
		recommendation: domain.RecommendApprove,
		reasoning:      "Transaction matches ordinary spending with no strong fraud indicators.",
	}
	bucketSuspicious = mockBucket{
		name: "suspicious", probability: 0.55, confidence: 0.6,
		recommendation: domain.RecommendReview,
		reasoning:      "Transaction shows %d risk indicators (%s) and should be reviewed.",
	}
	bucketFraudulent = mockBucket{
		name: "fraudulent", probability: 0.85, confidence: 0.7,
		recommendation: domain.RecommendDeny,
		reasoning:      "Transaction resembles known fraud typologies (%s).",
	}
)

// EnhancedMock is the deterministic keyword-driven synthetic provider.
type EnhancedMock struct{}

var _ Provider = EnhancedMock{}

func (EnhancedMock) Kind() domain.ProviderKind { return domain.ProviderEnhancedMock }

func (EnhancedMock) Timeout() time.Duration { return time.Second }

func (EnhancedMock) Probe(context.Context) error { return nil }

// Analyze buckets the request by keyword hits and renders the labeled format.
func (EnhancedMock) Analyze(_ context.Context, req *domain.AnalysisRequest) (string, error) {
	text := strings.ToLower(req.TransactionText)
	for _, p := range req.RetrievedPatterns {
		text += " " + strings.ToLower(p.FraudType)
	}

	fraudHits := matches(text, fraudKeywords)
	suspiciousHits := matches(text, suspiciousKeywords)

	var b mockBucket
	var reasoning string
	switch {
	case len(fraudHits) > 0 && len(req.RetrievedPatterns) > 0:
		b = bucketFraudulent
		reasoning = fmt.Sprintf(b.reasoning, strings.Join(fraudHits, ", "))
	case len(fraudHits) > 0 || len(suspiciousHits) >= 2:
		b = bucketSuspicious
		hits := append(fraudHits, suspiciousHits...)
		reasoning = fmt.Sprintf(b.reasoning, len(hits), strings.Join(hits, ", "))
	default:
		b = bucketLegitimate
		reasoning = b.reasoning
	}

	return render(b.probability, b.confidence, b.recommendation, reasoning), nil
}

func matches(text string, keywords []string) []string {
	var hits []string
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hits = append(hits, k)
		}
	}
	return hits
}

// BasicMock returns a fixed low-confidence answer and cannot fail.
type BasicMock struct{}

var _ Provider = BasicMock{}

func (BasicMock) Kind() domain.ProviderKind { return domain.ProviderBasicMock }

func (BasicMock) Timeout() time.Duration { return time.Second }

func (BasicMock) Probe(context.Context) error { return nil }

func (BasicMock) Analyze(context.Context, *domain.AnalysisRequest) (string, error) {
	return basicText, nil
}

var basicText = render(0.5, 0.3, domain.RecommendReview, "Automated analysis unavailable. Manual review required.")

func render(probability, confidence float64, rec domain.Recommendation, reasoning string) string {
	return fmt.Sprintf("Fraud Probability: %.2f\nConfidence: %.2f\nRecommendation: %s\nReasoning: %s",
		probability, confidence, rec, reasoning)
}
