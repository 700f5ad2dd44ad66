// Package parser turns free-form analysis text into a structured result.
//
// Parse is total: any input, including empty or adversarial text, yields a
// well-formed AnalysisResult with every score clamped to [0,1].
package parser

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Defaults applied when a field cannot be read from the text.
const (
	DefaultProbability = 0.5
	DefaultConfidence  = 0.5
	DefaultReasoning   = "Analysis inconclusive"
)

const (
	labelProbability    = "fraud probability:"
	labelConfidence     = "confidence:"
	labelRecommendation = "recommendation:"
	labelReasoning      = "reasoning:"
)

// Parse extracts probability, confidence, recommendation and reasoning from
// raw analysis text. Provider and RetrievedPatternIDs are left for the caller.
func Parse(raw string) domain.AnalysisResult {
	if res, ok := parseJSON(raw); ok {
		return res
	}
	return parseLabels(raw)
}

func parseLabels(raw string) domain.AnalysisResult {
	res := domain.AnalysisResult{
		FraudProbability: DefaultProbability,
		Confidence:       DefaultConfidence,
		Recommendation:   domain.RecommendReview,
		RawText:          raw,
	}

	var reasoning string
	var unlabeled []string

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)

		switch {
		case strings.HasPrefix(lower, labelProbability):
			if v, ok := parseNumber(trimmed[len(labelProbability):]); ok {
				res.FraudProbability = v
			}
		case strings.HasPrefix(lower, labelConfidence):
			if v, ok := parseNumber(trimmed[len(labelConfidence):]); ok {
				res.Confidence = v
			}
		case strings.HasPrefix(lower, labelRecommendation):
			res.Recommendation = ParseRecommendation(trimmed[len(labelRecommendation):])
		case strings.HasPrefix(lower, labelReasoning):
			reasoning = strings.TrimSpace(trimmed[len(labelReasoning):])
		default:
			unlabeled = append(unlabeled, trimmed)
		}
	}

	if reasoning == "" {
		reasoning = strings.Join(unlabeled, " ")
	}
	if reasoning == "" {
		reasoning = DefaultReasoning
	}
	res.Reasoning = reasoning
	return res
}

// parseNumber keeps only digits and dots, parses the result as a float and
// treats values above 1 as percentages.
func parseNumber(s string) (float64, bool) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return normalize(v), true
}

func normalize(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	return domain.Clamp01(v)
}

// ParseRecommendation maps free text to a recommendation. Approve wins over
// deny when both words appear; anything else is Review.
func ParseRecommendation(s string) domain.Recommendation {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "approve"):
		return domain.RecommendApprove
	case strings.Contains(lower, "deny"):
		return domain.RecommendDeny
	default:
		return domain.RecommendReview
	}
}

type jsonAnalysis struct {
	FraudProbability *float64 `json:"fraud_probability"`
	Confidence       *float64 `json:"confidence"`
	Recommendation   string   `json:"recommendation"`
	Reasoning        string   `json:"reasoning"`
}

// parseJSON reads a JSON object answer, optionally wrapped in a code fence.
// It only succeeds when at least the probability is present.
func parseJSON(raw string) (domain.AnalysisResult, bool) {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return domain.AnalysisResult{}, false
	}

	var ja jsonAnalysis
	if err := json.Unmarshal([]byte(body), &ja); err != nil || ja.FraudProbability == nil {
		return domain.AnalysisResult{}, false
	}

	res := domain.AnalysisResult{
		FraudProbability: normalize(*ja.FraudProbability),
		Confidence:       DefaultConfidence,
		Recommendation:   ParseRecommendation(ja.Recommendation),
		Reasoning:        strings.TrimSpace(ja.Reasoning),
		RawText:          raw,
	}
	if ja.Confidence != nil {
		res.Confidence = normalize(*ja.Confidence)
	}
	if res.Reasoning == "" {
		res.Reasoning = DefaultReasoning
	}
	return res, true
}
