package provider

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const systemPrompt = "You are a payment fraud analyst. Assess the transaction against the similar historical fraud patterns and answer in exactly this format:\n" +
	"Fraud Probability: <0.0-1.0>\n" +
	"Confidence: <0.0-1.0>\n" +
	"Recommendation: <APPROVE|DENY|REVIEW>\n" +
	"Reasoning: <one paragraph>"

// BuildPrompt renders the user prompt for an analysis request.
func BuildPrompt(req *domain.AnalysisRequest) string {
	var b strings.Builder
	b.WriteString("Transaction under review:\n")
	b.WriteString(strings.TrimSpace(req.TransactionText))
	b.WriteString("\n\n")

	if len(req.RetrievedPatterns) == 0 {
		b.WriteString("No similar historical fraud patterns were found.\n")
	} else {
		b.WriteString("Similar historical fraud patterns:\n")
		for i, p := range req.RetrievedPatterns {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, p.FraudType, p.Text)
		}
	}
	return b.String()
}

// fullPrompt joins the system instructions and the request for backends
// without a separate system role.
func fullPrompt(req *domain.AnalysisRequest) string {
	return systemPrompt + "\n\n" + BuildPrompt(req)
}
