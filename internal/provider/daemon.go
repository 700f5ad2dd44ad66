package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// Daemon talks to a local inference daemon over loopback HTTP.
type Daemon struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

var _ Provider = (*Daemon)(nil)

// NewDaemon builds the local daemon provider.
func NewDaemon(baseURL, model string, timeout time.Duration) *Daemon {
	return &Daemon{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (d *Daemon) Kind() domain.ProviderKind { return domain.ProviderLocalDaemon }

func (d *Daemon) Timeout() time.Duration { return d.timeout }

// Probe lists installed models and checks the configured one is present.
func (d *Daemon) Probe(ctx context.Context) error {
	if d.baseURL == "" || d.model == "" {
		return ErrNotConfigured
	}

	var tags tagsResponse
	if err := doJSON(ctx, d.httpClient, http.MethodGet, d.baseURL+"/api/tags", "", nil, &tags); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		if name == d.model || strings.TrimSuffix(name, ":latest") == d.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not installed", d.model)
}

func (d *Daemon) Analyze(ctx context.Context, req *domain.AnalysisRequest) (string, error) {
	body := generateRequest{Model: d.model, Prompt: fullPrompt(req)}

	var out generateResponse
	if err := doJSON(ctx, d.httpClient, http.MethodPost, d.baseURL+"/api/generate", "", body, &out); err != nil {
		return "", fmt.Errorf("daemon generate: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("daemon generate: %w: empty response", ErrMalformedResponse)
	}
	return out.Response, nil
}
