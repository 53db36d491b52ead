package llm

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// Options tunes a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Completion is the result of a non-streaming generation call.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Delta is one increment of a streamed generation. A stream is a
// sequence of text deltas terminated by exactly one Delta with Done set
// (explicit end marker) or Err set; the channel is closed afterwards.
// Consumers may simply stop pulling; producers must honor context
// cancellation and never block forever on send.
type Delta struct {
	Text string
	Err  error
	Done bool
}

// Provider is the contract every LLM backend implements. Model names
// are routing keys resolved against the provider's own configured
// model table.
type Provider interface {
	// Name identifies the provider for breaker keys and result reporting.
	Name() string

	// Generate produces a full completion.
	Generate(ctx context.Context, prompt, model string, opts Options) (Completion, error)

	// GenerateStream produces incremental deltas. An error return means
	// the stream could not be established; mid-stream failures arrive as
	// a Delta with Err set.
	GenerateStream(ctx context.Context, prompt, model string, opts Options) (<-chan Delta, error)

	// CalculateCost prices a request from token counts.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// NewProviders builds the configured providers in fallback priority
// order. A provider of type "gateway" always goes last, acting as the
// catch-all backend.
func NewProviders(cfg config.LLMConfig) ([]Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	order := cfg.Priority
	if len(order) == 0 {
		for name := range cfg.Providers {
			order = append(order, name)
		}
	}

	var providers []Provider
	var gateway Provider
	for _, name := range order {
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm priority references unknown provider %q", name)
		}
		var p Provider
		switch pc.Type {
		case "openai":
			p = NewOpenAIProvider(name, pc)
		case "anthropic":
			p = NewAnthropicProvider(name, pc)
		case "gateway":
			p = NewGatewayProvider(name, pc)
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", pc.Type)
		}
		if pc.Type == "gateway" {
			gateway = p
			continue
		}
		providers = append(providers, p)
	}
	if gateway != nil {
		providers = append(providers, gateway)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no valid LLM providers found")
	}
	return providers, nil
}

func estimateTokens(s string) int64 {
	// Rough approximation used when the wire response omits usage.
	return int64(len(s) / 4)
}
