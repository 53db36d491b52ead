package llm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

// ProviderError records one failed candidate in a fallback chain.
type ProviderError struct {
	Provider string
	Err      error
}

// ExhaustedError is returned when every candidate in a fallback chain
// failed. It aggregates each provider's error for diagnosis.
type ExhaustedError struct {
	Capability string
	Attempts   []ProviderError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all %s providers failed: %s", e.Capability, strings.Join(parts, "; "))
}

// Generation is a completion plus the provider that actually served it.
// Downstream stages may need provider-specific formatting, so the used
// provider is always observable.
type Generation struct {
	Completion
	Provider string
	Cost     float64
}

// StreamHandle is an established streaming generation: the delta
// channel plus the provider that serves it.
type StreamHandle struct {
	Deltas   <-chan Delta
	Provider string
	Model    string
}

// ChainRequest asks the fallback chain for one generation.
type ChainRequest struct {
	// Role selects the configured model routing (planning, extract,
	// gaps, synthesis, proofread).
	Role string

	Prompt string
	Opts   Options

	// Preferred, if set and configured, is tried before the priority order.
	Preferred string

	// Tier isolates circuit breaker state per caller class, so a
	// free-tier outage never trips the breaker paying callers see.
	// Empty falls back to the chain's default tier.
	Tier string
}

// Chain tries interchangeable LLM backends in priority order until one
// succeeds. Every attempt goes through the resilient call wrapper with
// a per-provider circuit breaker.
type Chain struct {
	providers  []Provider
	routing    config.LLMRoutingConfig
	registry   *resilience.Registry
	retry      resilience.RetryPolicy
	timeout    time.Duration
	tier       string
	onFallback func(provider string)
	logger     *log.Logger
}

// NewChain builds a fallback chain over providers (already in priority
// order, gateway last).
func NewChain(providers []Provider, routing config.LLMRoutingConfig, registry *resilience.Registry, retry resilience.RetryPolicy, timeout time.Duration, tier string) *Chain {
	return &Chain{
		providers: providers,
		routing:   routing,
		registry:  registry,
		retry:     retry,
		timeout:   timeout,
		tier:      tier,
		logger:    log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
}

// SetFallbackHook registers a callback invoked each time a candidate
// is passed over, with the name of the provider that failed or was
// skipped. Used for metrics; must not block.
func (c *Chain) SetFallbackHook(hook func(provider string)) {
	c.onFallback = hook
}

func (c *Chain) fellPast(provider string) {
	if c.onFallback != nil {
		c.onFallback(provider)
	}
}

// Providers returns the configured provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

func (c *Chain) modelFor(role string) string {
	var model string
	switch role {
	case "planning":
		model = c.routing.Planning
	case "extract":
		model = c.routing.Extract
	case "gaps":
		model = c.routing.Gaps
	case "synthesis":
		model = c.routing.Synthesis
	case "proofread":
		model = c.routing.Proofread
	}
	if model == "" {
		model = c.routing.Fallback
	}
	if model == "" {
		model = "default"
	}
	return model
}

// candidates orders providers for one request: preferred first when
// configured, then the fixed priority order.
func (c *Chain) candidates(preferred string) []Provider {
	if preferred == "" {
		return c.providers
	}
	out := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Name() == preferred {
			out = append(out, p)
			break
		}
	}
	for _, p := range c.providers {
		if p.Name() != preferred {
			out = append(out, p)
		}
	}
	return out
}

func (c *Chain) breakerFor(p Provider, tier string) *resilience.Breaker {
	if tier == "" {
		tier = c.tier
	}
	return c.registry.ForTier("llm:"+p.Name(), tier)
}

// Generate invokes candidates strictly in order and returns the first
// success together with the provider that served it.
func (c *Chain) Generate(ctx context.Context, req ChainRequest) (Generation, error) {
	model := c.modelFor(req.Role)
	var attempts []ProviderError
	for _, p := range c.candidates(req.Preferred) {
		breaker := c.breakerFor(p, req.Tier)
		// Known-open circuits are skipped without a pointless attempt.
		if !breaker.Allow() {
			attempts = append(attempts, ProviderError{Provider: p.Name(), Err: &resilience.CircuitOpenError{Service: breaker.Service(), RetryAfter: breaker.RetryAfter()}})
			c.fellPast(p.Name())
			continue
		}
		completion, err := resilience.Call(ctx, resilience.CallOptions{
			Name:    "llm:" + p.Name(),
			Timeout: c.timeout,
			Retry:   c.retry,
			Breaker: breaker,
		}, func(ctx context.Context) (Completion, error) {
			return p.Generate(ctx, req.Prompt, model, req.Opts)
		})
		if err != nil {
			if resilience.IsCancelled(err) {
				return Generation{}, err
			}
			c.logger.Printf("provider %s failed for role %s: %v", p.Name(), req.Role, err)
			attempts = append(attempts, ProviderError{Provider: p.Name(), Err: err})
			c.fellPast(p.Name())
			continue
		}
		return Generation{
			Completion: completion,
			Provider:   p.Name(),
			Cost:       p.CalculateCost(completion.InputTokens, completion.OutputTokens, model),
		}, nil
	}
	return Generation{}, resilience.NewError(resilience.KindProviderUnavailable, "", &ExhaustedError{Capability: "generate", Attempts: attempts})
}

// Stream establishes a streaming generation on the first candidate that
// accepts the request. Establishment failures fall through to the next
// provider; failures after the first delta belong to the consumer.
func (c *Chain) Stream(ctx context.Context, req ChainRequest) (StreamHandle, error) {
	model := c.modelFor(req.Role)
	var attempts []ProviderError
	for _, p := range c.candidates(req.Preferred) {
		breaker := c.breakerFor(p, req.Tier)
		if !breaker.Allow() {
			attempts = append(attempts, ProviderError{Provider: p.Name(), Err: &resilience.CircuitOpenError{Service: breaker.Service(), RetryAfter: breaker.RetryAfter()}})
			c.fellPast(p.Name())
			continue
		}
		deltas, err := resilience.Call(ctx, resilience.CallOptions{
			Name:    "llm:" + p.Name() + ":stream",
			Retry:   c.retry,
			Breaker: breaker,
		}, func(ctx context.Context) (<-chan Delta, error) {
			return c.openStream(ctx, p, req.Prompt, model, req.Opts)
		})
		if err != nil {
			if resilience.IsCancelled(err) {
				return StreamHandle{}, err
			}
			c.logger.Printf("provider %s stream failed for role %s: %v", p.Name(), req.Role, err)
			attempts = append(attempts, ProviderError{Provider: p.Name(), Err: err})
			c.fellPast(p.Name())
			continue
		}
		return StreamHandle{Deltas: deltas, Provider: p.Name(), Model: model}, nil
	}
	return StreamHandle{}, resilience.NewError(resilience.KindProviderUnavailable, "", &ExhaustedError{Capability: "stream", Attempts: attempts})
}

// openStream establishes one provider stream. The stream must keep
// producing after this call returns, so the per-attempt timeout cannot
// be a context deadline (its cancel would kill the just-established
// stream): establishment is bounded by a watchdog timer that is
// disarmed once the provider accepts, and the stream's context is
// cancelled only when the deltas are fully drained or the consumer's
// context ends.
func (c *Chain) openStream(ctx context.Context, p Provider, prompt, model string, opts Options) (<-chan Delta, error) {
	sctx, cancel := context.WithCancel(ctx)
	var watchdog *time.Timer
	if c.timeout > 0 {
		watchdog = time.AfterFunc(c.timeout, cancel)
	}
	deltas, err := p.GenerateStream(sctx, prompt, model, opts)
	if watchdog != nil {
		watchdog.Stop()
	}
	if err != nil {
		timedOut := sctx.Err() != nil && ctx.Err() == nil
		cancel()
		if timedOut {
			return nil, &resilience.TimeoutError{Duration: c.timeout}
		}
		return nil, err
	}
	out := make(chan Delta)
	go func() {
		defer cancel()
		defer close(out)
		for d := range deltas {
			select {
			case out <- d:
			case <-sctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Cost prices a completion for the named provider.
func (c *Chain) Cost(provider string, inputTokens, outputTokens int64, role string) float64 {
	model := c.modelFor(role)
	for _, p := range c.providers {
		if p.Name() == provider {
			return p.CalculateCost(inputTokens, outputTokens, model)
		}
	}
	return 0
}

// StreamCost estimates the price of a streamed generation. SSE streams
// carry no usage block, so output tokens are approximated from the
// assembled text.
func (c *Chain) StreamCost(provider, role, output string) float64 {
	return c.Cost(provider, 0, estimateTokens(output), role)
}
