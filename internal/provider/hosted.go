package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// minKeyLength is the shortest API key accepted by the hosted backend.
const minKeyLength = 20

// Hosted talks to an OpenAI-compatible chat completions API.
type Hosted struct {
	endpoint   string
	model      string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

var _ Provider = (*Hosted)(nil)

// NewHosted builds the hosted API provider.
func NewHosted(endpoint, model, apiKey string, timeout time.Duration) *Hosted {
	return &Hosted{
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *Hosted) Kind() domain.ProviderKind { return domain.ProviderHostedAPI }

func (h *Hosted) Timeout() time.Duration { return h.timeout }

// ValidKey reports whether key has the expected shape of a hosted API key.
func ValidKey(key string) bool {
	return strings.HasPrefix(key, "sk-") && len(key) >= minKeyLength
}

// Probe validates configuration and credential format without spending quota.
func (h *Hosted) Probe(ctx context.Context) error {
	if h.endpoint == "" || h.model == "" {
		return ErrNotConfigured
	}
	if !ValidKey(h.apiKey) {
		return ErrInvalidCredential
	}
	return nil
}

func (h *Hosted) Analyze(ctx context.Context, req *domain.AnalysisRequest) (string, error) {
	body := chatRequest{
		Model: h.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(req)},
		},
		Temperature: 0.1,
	}

	var out chatResponse
	if err := doJSON(ctx, h.httpClient, http.MethodPost, h.endpoint, h.apiKey, body, &out); err != nil {
		return "", fmt.Errorf("hosted completion: %w", err)
	}
	text := out.text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("hosted completion: %w: empty choices", ErrMalformedResponse)
	}
	return text, nil
}
