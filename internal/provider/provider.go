// Package provider implements the analysis provider chain: an ordered,
// pinnable set of text-analysis backends with probing, error
// classification, quota demotion and a synthetic fallback that always
// answers.
package provider

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Provider is one analysis backend. Analyze returns the raw model text;
// parsing and bookkeeping are done by the Chain.
type Provider interface {
	// Kind identifies the backend.
	Kind() domain.ProviderKind

	// Timeout bounds a single Analyze call.
	Timeout() time.Duration

	// Probe is a cheap capability check. A nil error means available.
	Probe(ctx context.Context) error

	// Analyze sends the prompt built from req and returns the model text.
	Analyze(ctx context.Context, req *domain.AnalysisRequest) (string, error)
}
