// Package gateway is the single entry point other subsystems use to obtain
// generated text. It layers caching, provider routing, circuit breaking,
// quota accounting, and one level of fallback over interchangeable providers.
package gateway

import (
	"context"
	"log/slog"

	"outreach-engine/internal/breaker"
	"outreach-engine/internal/ledger"
	"outreach-engine/internal/models"
	"outreach-engine/internal/provider"
	"outreach-engine/internal/telemetry"
)

// FailureMessage is the user-safe text returned when generation fails after
// the fallback attempt.
const FailureMessage = "Sorry, we couldn't generate a response right now. Please try again in a moment."

// QuotaMessage is the user-safe text returned when no AI credit pool can
// cover the request.
const QuotaMessage = "You're out of AI credits for this request. Top up your balance and try again."

// Request describes one generation call.
type Request struct {
	Tenant      string   `json:"tenant"`
	Actor       string   `json:"actor"`
	TaskType    string   `json:"task_type"`
	Prompt      string   `json:"prompt"`
	Context     []string `json:"context,omitempty"`
	Quality     string   `json:"quality,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
}

// Response is always returned to the caller; generation failures come back
// structured with Failed set, never as an error.
type Response struct {
	Text       string  `json:"text"`
	Provider   string  `json:"provider,omitempty"`
	Model      string  `json:"model,omitempty"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	Cached     bool    `json:"is_cached"`
	Failed     bool    `json:"failed,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// CreditLedger is the slice of the ledger the gateway consumes.
type CreditLedger interface {
	Balance(ctx context.Context, tenant string, class models.ResourceClass) (int64, error)
	CheckAndDecrement(ctx context.Context, tenant string, class models.ResourceClass, amount int64, ref ledger.UsageRef) (ledger.Decision, error)
	AppendUsage(ctx context.Context, tenant string, class models.ResourceClass, amount int64, ref ledger.UsageRef) error
}

// Gateway orchestrates generation calls.
type Gateway struct {
	router  *provider.Router
	breaker *breaker.Breaker
	cache   *Cache
	credits CreditLedger
	log     *slog.Logger
}

// New wires the orchestrator. All collaborators are injected; there is no
// ambient global state.
func New(router *provider.Router, b *breaker.Breaker, cache *Cache, credits CreditLedger, log *slog.Logger) *Gateway {
	return &Gateway{router: router, breaker: b, cache: cache, credits: credits, log: log}
}

// Generate runs the full orchestration. It performs at most two provider
// round-trips (primary plus one fallback) and returns an error only for
// infrastructure faults, never for generation failure.
func (g *Gateway) Generate(ctx context.Context, req Request) (Response, error) {
	key := CacheKey(req.Prompt, req.Context)
	if resp, ok := g.cache.Get(key); ok {
		resp.Cached = true
		telemetry.GatewayCacheHits.Inc()
		return resp, nil
	}

	quality := req.Quality
	p, err := g.router.Select(quality, req.TaskType)
	if err != nil {
		return Response{}, err
	}
	p = g.skipOpenCircuit(p)

	// Pre-flight: enough credits in the requested tier, or downgrade. When
	// the cheap tier cannot cover the estimate either, the request is denied
	// before any provider round-trip.
	class := classForQuality(quality)
	estimate := int64(p.EstimateTokens(req.Prompt, req.MaxTokens))
	balance, err := g.credits.Balance(ctx, req.Tenant, class)
	if err != nil {
		return Response{}, err
	}
	if balance < estimate && quality != provider.QualityCheap {
		quality = provider.QualityCheap
		class = models.ClassAICheap
		if p, err = g.router.Select(quality, req.TaskType); err != nil {
			return Response{}, err
		}
		p = g.skipOpenCircuit(p)
		estimate = int64(p.EstimateTokens(req.Prompt, req.MaxTokens))
		if balance, err = g.credits.Balance(ctx, req.Tenant, class); err != nil {
			return Response{}, err
		}
		telemetry.GatewayDowngrades.Inc()
	}
	if balance < estimate {
		g.log.Info("generation denied on exhausted credits", "tenant", req.Tenant, "class", class, "balance", balance, "estimate", estimate)
		telemetry.GatewayQuotaDenials.Inc()
		return Response{Failed: true, Message: QuotaMessage}, nil
	}

	provReq := provider.Request{
		Prompt:      req.Prompt,
		Context:     req.Context,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	result, err := p.Run(ctx, provReq)
	if err != nil {
		g.breaker.RecordFailure(p.Name())
		g.log.Warn("provider call failed", "provider", p.Name(), "tenant", req.Tenant, "error", err)
		telemetry.GatewayProviderFailures.Inc()

		chain := g.router.FallbackChain(p.Name())
		if len(chain) == 0 {
			return failureResponse(), nil
		}
		p = chain[0]
		result, err = p.Run(ctx, provReq)
		if err != nil {
			g.breaker.RecordFailure(p.Name())
			g.log.Warn("fallback provider failed", "provider", p.Name(), "tenant", req.Tenant, "error", err)
			telemetry.GatewayProviderFailures.Inc()
			return failureResponse(), nil
		}
	}
	g.breaker.RecordSuccess(p.Name())

	tokens := int64(result.TokensUsed)
	if tokens == 0 {
		tokens = estimate
	}
	cost := p.EstimateCost(int(tokens))
	ref := ledger.UsageRef{
		Actor:     req.Actor,
		RelatedID: req.TaskType,
		Metadata: map[string]any{
			"provider":  p.Name(),
			"model":     p.Model(),
			"task_type": req.TaskType,
			"quality":   quality,
			"cost":      cost,
		},
	}
	decision, err := g.credits.CheckAndDecrement(ctx, req.Tenant, class, tokens, ref)
	if err != nil {
		return Response{}, err
	}
	if !decision.Allowed {
		// Pre-flight passed but concurrent spend drained the pool before the
		// decrement. The call already happened; the balance stays at its
		// floor and the audit trail still gets its entry.
		if err := g.credits.AppendUsage(ctx, req.Tenant, class, tokens, ref); err != nil {
			return Response{}, err
		}
	}

	resp := Response{
		Text:       result.Text,
		Provider:   p.Name(),
		Model:      p.Model(),
		TokensUsed: int(tokens),
		Cost:       cost,
	}
	g.cache.Set(key, resp)
	telemetry.GatewayCalls.Inc()
	return resp, nil
}

// skipOpenCircuit substitutes the head of the fallback chain when the chosen
// provider's circuit is open.
func (g *Gateway) skipOpenCircuit(p provider.Provider) provider.Provider {
	if !g.breaker.IsOpen(p.Name()) {
		return p
	}
	if chain := g.router.FallbackChain(p.Name()); len(chain) > 0 {
		return chain[0]
	}
	return p
}

func classForQuality(quality string) models.ResourceClass {
	if quality == provider.QualityCheap {
		return models.ClassAICheap
	}
	return models.ClassAIPremium
}

func failureResponse() Response {
	return Response{Failed: true, Message: FailureMessage}
}
