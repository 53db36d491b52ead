package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

// Chain tries search backends in priority order until one returns
// results. Every backend attempt goes through the resilient call
// wrapper with its own circuit breaker.
type Chain struct {
	searchers  []Searcher
	registry   *resilience.Registry
	retry      resilience.RetryPolicy
	timeout    time.Duration
	enricher   *Enricher
	onFallback func(provider string)
	logger     *log.Logger
}

// NewChain builds a search fallback chain over searchers (already in
// priority order). enricher may be nil to disable content extraction.
func NewChain(searchers []Searcher, registry *resilience.Registry, retry resilience.RetryPolicy, timeout time.Duration, enricher *Enricher) *Chain {
	return &Chain{
		searchers: searchers,
		registry:  registry,
		retry:     retry,
		timeout:   timeout,
		enricher:  enricher,
		logger:    log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
}

// SetFallbackHook registers a callback invoked with the name of each
// backend that is passed over. Used for metrics; must not block.
func (c *Chain) SetFallbackHook(hook func(provider string)) {
	c.onFallback = hook
}

func (c *Chain) fellPast(provider string) {
	if c.onFallback != nil {
		c.onFallback(provider)
	}
}

// Search runs the query through the first healthy backend. An empty
// result set from a healthy backend is terminal, not a reason to try
// the next provider: providers disagree on coverage, and silently
// switching would make results non-reproducible.
func (c *Chain) Search(ctx context.Context, query string, maxResults int) (Response, error) {
	var failures []string
	for _, s := range c.searchers {
		breaker := c.registry.For("search:" + s.Name())
		if !breaker.Allow() {
			failures = append(failures, fmt.Sprintf("%s: circuit open", s.Name()))
			c.fellPast(s.Name())
			continue
		}
		resp, err := resilience.Call(ctx, resilience.CallOptions{
			Name:    "search:" + s.Name(),
			Timeout: c.timeout,
			Retry:   c.retry,
			Breaker: breaker,
		}, func(ctx context.Context) (Response, error) {
			return s.Search(ctx, query, maxResults)
		})
		if err != nil {
			if resilience.IsCancelled(err) {
				return Response{}, err
			}
			c.logger.Printf("provider %s failed for query %q: %v", s.Name(), query, err)
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
			c.fellPast(s.Name())
			continue
		}
		resp.Results = Deduplicate(resp.Results)
		if len(resp.Results) == 0 {
			return Response{}, resilience.NewError(resilience.KindNoResults, fmt.Sprintf("no results for query %q", query), nil)
		}
		if c.enricher != nil {
			c.enricher.Enrich(ctx, resp.Results)
		}
		return resp, nil
	}
	return Response{}, resilience.NewError(resilience.KindProviderUnavailable,
		fmt.Sprintf("all search providers failed: %s", strings.Join(failures, "; ")), nil)
}
