package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Endpoint shapes an inference gateway may expose, in discovery order.
const (
	shapeChat     = "/v1/chat/completions"
	shapeGenerate = "/api/generate"
	shapeTGI      = "/generate"
)

var gatewayShapes = []string{shapeChat, shapeGenerate, shapeTGI}

// gatewayProbeRoutes maps each inference shape to the metadata route that
// shows it is served. Probing never runs a generation.
var gatewayProbeRoutes = map[string]string{
	shapeChat:     "/v1/models",
	shapeGenerate: "/api/tags",
	shapeTGI:      "/info",
}

// Gateway talks to an online inference gateway whose API shape is
// discovered during Probe.
type Gateway struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client

	mu    sync.RWMutex
	shape string
}

var _ Provider = (*Gateway)(nil)

// NewGateway builds the online gateway provider.
func NewGateway(baseURL, apiKey, model string, timeout time.Duration) *Gateway {
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) Kind() domain.ProviderKind { return domain.ProviderOnlineGateway }

func (g *Gateway) Timeout() time.Duration { return g.timeout }

// Probe finds the first endpoint shape whose metadata route answers.
func (g *Gateway) Probe(ctx context.Context) error {
	if g.baseURL == "" {
		return ErrNotConfigured
	}

	var lastErr error
	for _, shape := range gatewayShapes {
		err := doJSON(ctx, g.httpClient, http.MethodGet, g.baseURL+gatewayProbeRoutes[shape], g.apiKey, nil, nil)
		if err == nil {
			g.mu.Lock()
			g.shape = shape
			g.mu.Unlock()
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusMethodNotAllowed) {
			continue
		}
		// Anything but "no such route" means the gateway is there but failing.
		return err
	}
	return fmt.Errorf("no supported endpoint: %w", lastErr)
}

func (g *Gateway) Analyze(ctx context.Context, req *domain.AnalysisRequest) (string, error) {
	g.mu.RLock()
	shape := g.shape
	g.mu.RUnlock()
	if shape == "" {
		return "", fmt.Errorf("gateway: %w: endpoint not discovered", ErrNotConfigured)
	}

	text, err := g.call(ctx, shape, fullPrompt(req))
	if err != nil {
		return "", fmt.Errorf("gateway %s: %w", shape, err)
	}
	return text, nil
}

func (g *Gateway) call(ctx context.Context, shape, prompt string) (string, error) {
	url := g.baseURL + shape

	var text string
	switch shape {
	case shapeChat:
		var out chatResponse
		body := chatRequest{Model: g.model, Messages: []chatMessage{{Role: "user", Content: prompt}}}
		if err := doJSON(ctx, g.httpClient, http.MethodPost, url, g.apiKey, body, &out); err != nil {
			return "", err
		}
		text = out.text()

	case shapeGenerate:
		var out generateResponse
		body := generateRequest{Model: g.model, Prompt: prompt}
		if err := doJSON(ctx, g.httpClient, http.MethodPost, url, g.apiKey, body, &out); err != nil {
			return "", err
		}
		text = out.Response

	case shapeTGI:
		var out tgiResponse
		body := map[string]any{
			"inputs":     prompt,
			"parameters": map[string]any{"max_new_tokens": 512},
		}
		if err := doJSON(ctx, g.httpClient, http.MethodPost, url, g.apiKey, body, &out); err != nil {
			return "", err
		}
		text = out.GeneratedText
	}

	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	return text, nil
}

// tgiResponse accepts both the object and the single-element array forms.
type tgiResponse struct {
	GeneratedText string
}

func (r *tgiResponse) UnmarshalJSON(data []byte) error {
	type item struct {
		GeneratedText string `json:"generated_text"`
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []item
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if len(items) > 0 {
			r.GeneratedText = items[0].GeneratedText
		}
		return nil
	}
	var it item
	if err := json.Unmarshal(data, &it); err != nil {
		return err
	}
	r.GeneratedText = it.GeneratedText
	return nil
}
