// Package provider models AI text-generation backends behind one capability
// interface so the gateway can swap them per request.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is what a provider needs to generate text. The wire format each
// backend speaks is its own concern.
type Request struct {
	Prompt      string
	Context     []string
	MaxTokens   int
	Temperature float64
}

// Result is a completed generation with the provider-reported token count
// (zero when the backend does not report one).
type Result struct {
	Text       string
	TokensUsed int
}

// Provider is the capability interface every backend implements. Selection
// is dynamic, by quality tier or task type.
type Provider interface {
	Name() string
	Model() string
	EstimateTokens(prompt string, maxTokens int) int
	EstimateCost(tokens int) float64
	Run(ctx context.Context, req Request) (Result, error)
}

// HTTPProvider calls a JSON generation endpoint. Its http.Client timeout is
// the only deadline on a provider round-trip.
type HTTPProvider struct {
	name         string
	model        string
	url          string
	apiKey       string
	costPerToken float64
	client       *http.Client
}

// NewHTTPProvider builds a provider for one backend endpoint.
func NewHTTPProvider(name, model, url, apiKey string, costPerToken float64, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:         name,
		model:        model,
		url:          url,
		apiKey:       apiKey,
		costPerToken: costPerToken,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Model() string { return p.model }

// EstimateTokens approximates input tokens at four characters per token plus
// the requested completion budget. Used only for the quota pre-flight; the
// actual decrement follows the backend-reported count.
func (p *HTTPProvider) EstimateTokens(prompt string, maxTokens int) int {
	est := len(prompt)/4 + maxTokens
	if est < 1 {
		est = 1
	}
	return est
}

func (p *HTTPProvider) EstimateCost(tokens int) float64 {
	return float64(tokens) * p.costPerToken
}

type generateRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Context     []string `json:"context,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
}

type generateResponse struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Error      string `json:"error,omitempty"`
}

// Run performs one generation round-trip.
func (p *HTTPProvider) Run(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(generateRequest{
		Model:       p.model,
		Prompt:      req.Prompt,
		Context:     req.Context,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("provider %s read body: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("provider %s returned status %d", p.name, resp.StatusCode)
	}

	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return Result{}, fmt.Errorf("provider %s decode: %w", p.name, err)
	}
	if gen.Error != "" {
		return Result{}, fmt.Errorf("provider %s: %s", p.name, gen.Error)
	}
	return Result{Text: gen.Text, TokensUsed: gen.TokensUsed}, nil
}
