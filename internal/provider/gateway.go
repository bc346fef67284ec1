package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"commonground/internal/config"
	"commonground/internal/redis"
)

// ErrNoProviders is returned when the chain contains no configured backend.
var ErrNoProviders = errors.New("no configured providers")

const testResultTTL = 60 * time.Second

// pricing is $/1K tokens keyed by "provider/model-prefix"; the longest
// matching prefix wins. Config may override per provider. Unknown models
// cost zero but are still accounted, so the ledger keeps consistent units.
type pricing struct {
	in  float64
	out float64
}

var defaultPricing = map[string]pricing{
	"openai/gpt-4o":        {in: 0.0025, out: 0.01},
	"openai/gpt-4o-mini":   {in: 0.00015, out: 0.0006},
	"openai/gpt-4.1":       {in: 0.002, out: 0.008},
	"gemini/gemini-2.0":    {in: 0.0001, out: 0.0004},
	"gemini/gemini-2.5":    {in: 0.0003, out: 0.0025},
	"claude/claude-3-5":    {in: 0.003, out: 0.015},
	"claude/claude-sonnet": {in: 0.003, out: 0.015},
	"claude/claude-haiku":  {in: 0.0008, out: 0.004},
}

// Gateway owns the provider set and the sequential fallback chain.
type Gateway struct {
	providers map[string]Provider
	order     []string
	overrides map[string]pricing
	defaultID string
	cache     *redis.Client
	logger    *slog.Logger
}

// NewGateway builds eino providers for every configured id, ordered by
// priority into the fallback chain.
func NewGateway(cfg *config.Config, cache *redis.Client, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		providers: make(map[string]Provider),
		order:     cfg.ProviderOrder(),
		overrides: make(map[string]pricing),
		defaultID: cfg.BasicConfig.DefaultProvider,
		cache:     cache,
		logger:    logger,
	}
	for id, pc := range cfg.Providers {
		g.providers[id] = NewEinoProvider(id, pc)
		if pc.PricePer1KIn > 0 || pc.PricePer1KOut > 0 {
			g.overrides[id] = pricing{in: pc.PricePer1KIn, out: pc.PricePer1KOut}
		}
	}
	return g
}

// NewGatewayWithProviders wires explicit providers, used by tests.
func NewGatewayWithProviders(order []string, providers map[string]Provider, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	defaultID := ""
	if len(order) > 0 {
		defaultID = order[0]
	}
	return &Gateway{
		providers: providers,
		order:     order,
		overrides: make(map[string]pricing),
		defaultID: defaultID,
		logger:    logger,
	}
}

// Provider returns the backend registered under the id.
func (g *Gateway) Provider(id string) (Provider, bool) {
	p, ok := g.providers[id]
	return p, ok
}

// Default returns the default provider id.
func (g *Gateway) Default() string { return g.defaultID }

// IDs lists configured provider ids in chain order.
func (g *Gateway) IDs() []string { return g.order }

// Configured lists provider ids that are ready to serve.
func (g *Gateway) Configured() []string {
	var ids []string
	for _, id := range g.order {
		if p, ok := g.providers[id]; ok && p.IsConfigured() {
			ids = append(ids, id)
		}
	}
	return ids
}

// chain returns configured providers with the preferred id first and the
// remaining chain order after it.
func (g *Gateway) chain(preferred string) []Provider {
	var out []Provider
	if p, ok := g.providers[preferred]; ok && p.IsConfigured() {
		out = append(out, p)
	}
	for _, id := range g.order {
		if id == preferred {
			continue
		}
		if p, ok := g.providers[id]; ok && p.IsConfigured() {
			out = append(out, p)
		}
	}
	return out
}

// ChatWithFallback tries the preferred provider and walks the chain on
// retryable failures, stopping at the first success. The result flags
// whether fallback occurred and which provider actually answered.
func (g *Gateway) ChatWithFallback(ctx context.Context, msgs []Message, opts Options, preferred string) (*Result, error) {
	return g.withFallback(ctx, preferred, func(p Provider) (*Result, error) {
		return p.Chat(ctx, msgs, opts)
	})
}

// StreamWithFallback streams from the preferred provider, falling back only
// while no chunk has been emitted yet; once output reached the caller the
// turn fails rather than restarting on another backend.
func (g *Gateway) StreamWithFallback(ctx context.Context, msgs []Message, opts Options, preferred string, onChunk func(string) error) (*Result, error) {
	emitted := false
	return g.withFallback(ctx, preferred, func(p Provider) (*Result, error) {
		if emitted {
			return nil, &Error{ProviderID: p.ID(), Kind: KindCanceled, Err: errors.New("stream already started")}
		}
		return p.StreamChat(ctx, msgs, opts, func(chunk string) error {
			emitted = true
			return onChunk(chunk)
		})
	})
}

func (g *Gateway) withFallback(ctx context.Context, preferred string, call func(Provider) (*Result, error)) (*Result, error) {
	chain := g.chain(preferred)
	if len(chain) == 0 {
		return nil, ErrNoProviders
	}
	var lastErr error
	for i, p := range chain {
		res, err := call(p)
		if err == nil {
			res.UsedFallback = i > 0
			res.CostUSD = g.Cost(res.Provider, res.Model, res.TokensIn, res.TokensOut)
			return res, nil
		}
		lastErr = err
		perr := Classify(p.ID(), err)
		if !perr.Retryable() {
			return nil, perr
		}
		g.logger.Warn("provider call failed, trying next in chain",
			"provider", p.ID(), "kind", int(perr.Kind), "error", err)
	}
	return nil, Classify(chain[len(chain)-1].ID(), lastErr)
}

// Cost computes the dollar cost of a call from the pricing table.
func (g *Gateway) Cost(providerID, model string, tokensIn, tokensOut int) float64 {
	p, ok := g.overrides[providerID]
	if !ok {
		p = lookupPricing(providerID, model)
	}
	return float64(tokensIn)/1000*p.in + float64(tokensOut)/1000*p.out
}

func lookupPricing(providerID, model string) pricing {
	key := providerID + "/" + model
	best := ""
	var found pricing
	for prefix, p := range defaultPricing {
		if strings.HasPrefix(key, prefix) && len(prefix) > len(best) {
			best = prefix
			found = p
		}
	}
	return found
}

type testOutcome struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Message   string `json:"message"`
}

// TestConnection runs the provider's connectivity self-test. Outcomes are
// cached briefly so repeated admin checks stay cheap.
func (g *Gateway) TestConnection(ctx context.Context, id string) (bool, int64, string) {
	p, ok := g.providers[id]
	if !ok {
		return false, 0, fmt.Sprintf("unknown provider: %s", id)
	}
	cacheKey := "provider:test:" + id
	if g.cache != nil {
		if raw, err := g.cache.Get(ctx, cacheKey); err == nil {
			var cached testOutcome
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached.OK, cached.LatencyMs, cached.Message
			}
		}
	}
	okRes, latency, msg := p.TestConnection(ctx)
	outcome := testOutcome{OK: okRes, LatencyMs: latency.Milliseconds(), Message: msg}
	if g.cache != nil {
		if data, err := json.Marshal(outcome); err == nil {
			if err := g.cache.Set(ctx, cacheKey, data, testResultTTL); err != nil {
				g.logger.Warn("cache provider test outcome failed", "error", err, "provider", id)
			}
		}
	}
	return outcome.OK, outcome.LatencyMs, outcome.Message
}
