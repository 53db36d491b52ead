package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

type stubProvider struct {
	name     string
	calls    int
	err      error
	text     string
	deltas   []Delta
	streamFn func(ctx context.Context) (<-chan Delta, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, prompt, model string, opts Options) (Completion, error) {
	s.calls++
	if s.err != nil {
		return Completion{}, s.err
	}
	return Completion{Text: s.text, InputTokens: 10, OutputTokens: 20, Model: model}, nil
}

func (s *stubProvider) GenerateStream(ctx context.Context, prompt, model string, opts Options) (<-chan Delta, error) {
	s.calls++
	if s.streamFn != nil {
		return s.streamFn(ctx)
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan Delta, len(s.deltas))
	for _, d := range s.deltas {
		out <- d
	}
	close(out)
	return out, nil
}

func (s *stubProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return float64(inputTokens+outputTokens) * 0.001
}

func newTestChain(providers ...Provider) *Chain {
	retry := resilience.RetryPolicy{
		MaxRetries:        0,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 1,
		IsRetryable:       resilience.DefaultRetryable,
	}
	routing := config.LLMRoutingConfig{Planning: "fast", Synthesis: "deep", Fallback: "fast"}
	registry := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})
	return NewChain(providers, routing, registry, retry, time.Second, "default")
}

func TestChainGenerateFallsThroughToHealthyProvider(t *testing.T) {
	p1 := &stubProvider{name: "alpha", err: &resilience.HTTPStatusError{Status: 503}}
	p2 := &stubProvider{name: "beta", err: errors.New("connection refused")}
	p3 := &stubProvider{name: "gamma", text: "answer"}
	chain := newTestChain(p1, p2, p3)

	got, err := chain.Generate(context.Background(), ChainRequest{Role: "planning", Prompt: "q"})
	if err != nil {
		t.Fatalf("expected success via third provider, got %v", err)
	}
	if got.Provider != "gamma" {
		t.Fatalf("expected provider gamma, got %s", got.Provider)
	}
	if got.Text != "answer" {
		t.Fatalf("expected completion text from gamma, got %q", got.Text)
	}
	if p1.calls == 0 || p2.calls == 0 {
		t.Fatalf("expected earlier providers to be attempted, calls: %d %d", p1.calls, p2.calls)
	}
	if got.Cost == 0 {
		t.Fatal("expected non-zero cost from serving provider")
	}
}

func TestChainGenerateAggregatesAllFailures(t *testing.T) {
	p1 := &stubProvider{name: "alpha", err: &resilience.HTTPStatusError{Status: 500, Body: "boom"}}
	p2 := &stubProvider{name: "beta", err: errors.New("dial tcp: refused")}
	chain := newTestChain(p1, p2)

	_, err := chain.Generate(context.Background(), ChainRequest{Role: "planning", Prompt: "q"})
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	typed := resilience.Classify(err)
	if typed.Kind != resilience.KindProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %s", typed.Kind)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(exhausted.Attempts))
	}
	msg := err.Error()
	if !strings.Contains(msg, "alpha") || !strings.Contains(msg, "beta") {
		t.Fatalf("aggregated error should name every provider: %s", msg)
	}
}

func TestChainSkipsOpenCircuit(t *testing.T) {
	p1 := &stubProvider{name: "alpha", err: &resilience.HTTPStatusError{Status: 503}}
	p2 := &stubProvider{name: "beta", text: "served"}
	chain := newTestChain(p1, p2)

	// Trip alpha's breaker.
	breaker := chain.registry.ForTier("llm:alpha", "default")
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	if breaker.State() != resilience.StateOpen {
		t.Fatal("expected alpha breaker open")
	}

	got, err := chain.Generate(context.Background(), ChainRequest{Role: "planning", Prompt: "q"})
	if err != nil {
		t.Fatalf("expected beta to serve, got %v", err)
	}
	if got.Provider != "beta" {
		t.Fatalf("expected beta, got %s", got.Provider)
	}
	if p1.calls != 0 {
		t.Fatalf("open circuit should be skipped without an attempt, alpha called %d times", p1.calls)
	}
}

func TestChainPreferredProviderGoesFirst(t *testing.T) {
	p1 := &stubProvider{name: "alpha", text: "from alpha"}
	p2 := &stubProvider{name: "beta", text: "from beta"}
	chain := newTestChain(p1, p2)

	got, err := chain.Generate(context.Background(), ChainRequest{Role: "planning", Prompt: "q", Preferred: "beta"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Provider != "beta" {
		t.Fatalf("expected preferred provider beta, got %s", got.Provider)
	}
	if p1.calls != 0 {
		t.Fatal("priority provider should not be attempted when preferred succeeds")
	}
}

func TestChainGenerateStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p1 := &stubProvider{name: "alpha", err: context.Canceled}
	p2 := &stubProvider{name: "beta", text: "never"}
	chain := newTestChain(p1, p2)

	cancel()
	_, err := chain.Generate(ctx, ChainRequest{Role: "planning", Prompt: "q"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !resilience.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if p2.calls != 0 {
		t.Fatal("cancellation must not fall through to the next provider")
	}
}

func TestChainStreamFallsThroughOnEstablishFailure(t *testing.T) {
	p1 := &stubProvider{name: "alpha", err: &resilience.HTTPStatusError{Status: 503}}
	p2 := &stubProvider{name: "beta", deltas: []Delta{{Text: "hel"}, {Text: "lo"}, {Done: true}}}
	chain := newTestChain(p1, p2)

	handle, err := chain.Stream(context.Background(), ChainRequest{Role: "synthesis", Prompt: "q"})
	if err != nil {
		t.Fatalf("expected stream via beta, got %v", err)
	}
	if handle.Provider != "beta" {
		t.Fatalf("expected beta, got %s", handle.Provider)
	}
	var text strings.Builder
	var done bool
	for d := range handle.Deltas {
		if d.Err != nil {
			t.Fatalf("unexpected stream error: %v", d.Err)
		}
		if d.Done {
			done = true
			break
		}
		text.WriteString(d.Text)
	}
	if !done {
		t.Fatal("expected explicit end marker")
	}
	if text.String() != "hello" {
		t.Fatalf("expected assembled text hello, got %q", text.String())
	}
}

func TestChainStreamOutlivesEstablishment(t *testing.T) {
	var streamCtx context.Context
	source := make(chan Delta)
	p := &stubProvider{name: "alpha", streamFn: func(ctx context.Context) (<-chan Delta, error) {
		streamCtx = ctx
		return source, nil
	}}
	chain := newTestChain(p)

	handle, err := chain.Stream(context.Background(), ChainRequest{Role: "synthesis", Prompt: "q"})
	if err != nil {
		t.Fatalf("unexpected establish error: %v", err)
	}
	// The provider's context must survive the establishment call:
	// deltas arrive long after Stream returns.
	if streamCtx.Err() != nil {
		t.Fatalf("stream context dead right after establishment: %v", streamCtx.Err())
	}

	go func() {
		source <- Delta{Text: "slow "}
		source <- Delta{Text: "answer"}
		source <- Delta{Done: true}
		close(source)
	}()

	var text strings.Builder
	var done bool
	for d := range handle.Deltas {
		if d.Err != nil {
			t.Fatalf("unexpected stream error: %v", d.Err)
		}
		if d.Done {
			done = true
			continue
		}
		text.WriteString(d.Text)
	}
	if !done {
		t.Fatal("expected explicit end marker")
	}
	if text.String() != "slow answer" {
		t.Fatalf("expected assembled text, got %q", text.String())
	}
}

func TestChainTierIsolatesBreakers(t *testing.T) {
	p1 := &stubProvider{name: "alpha", text: "from alpha"}
	p2 := &stubProvider{name: "beta", text: "from beta"}
	chain := newTestChain(p1, p2)

	// Trip alpha for the free tier only.
	breaker := chain.registry.ForTier("llm:alpha", "free")
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	if breaker.State() != resilience.StateOpen {
		t.Fatal("expected free-tier alpha breaker open")
	}

	got, err := chain.Generate(context.Background(), ChainRequest{Role: "planning", Prompt: "q", Tier: "free"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Provider != "beta" {
		t.Fatalf("free tier should skip tripped alpha, got %s", got.Provider)
	}

	got, err = chain.Generate(context.Background(), ChainRequest{Role: "planning", Prompt: "q", Tier: "pro"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Provider != "alpha" {
		t.Fatalf("pro tier must not share free-tier breaker state, got %s", got.Provider)
	}
}

func TestChainStreamExhaustedIsTyped(t *testing.T) {
	p1 := &stubProvider{name: "alpha", err: errors.New("refused")}
	chain := newTestChain(p1)

	_, err := chain.Stream(context.Background(), ChainRequest{Role: "synthesis", Prompt: "q"})
	if err == nil {
		t.Fatal("expected error")
	}
	if resilience.Classify(err).Kind != resilience.KindProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}
}
