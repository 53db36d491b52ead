package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

func TestDeduplicateKeepsFirstOccurrence(t *testing.T) {
	in := []Result{
		{Title: "a", URL: "https://example.com/page"},
		{Title: "b", URL: "http://www.example.com/page/"},
		{Title: "c", URL: "https://other.com"},
		{Title: "d", URL: ""},
	}
	out := Deduplicate(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 unique results, got %d", len(out))
	}
	if out[0].Title != "a" || out[1].Title != "c" {
		t.Fatalf("expected first occurrences kept in order, got %+v", out)
	}
}

func TestBraveSearcherParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "key" {
			t.Errorf("expected subscription token header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]any{
					{"title": "One", "url": "https://one.example", "description": "first"},
					{"title": "Two", "url": "https://two.example", "description": "second"},
				},
			},
		})
	}))
	defer srv.Close()

	s := NewBraveSearcher("key", srv.URL, time.Second)
	resp, err := s.Search(context.Background(), "query", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "brave" {
		t.Fatalf("expected provider brave, got %s", resp.Provider)
	}
	if len(resp.Results) != 2 || resp.Results[0].Snippet != "first" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestBraveSearcherSurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewBraveSearcher("key", srv.URL, time.Second)
	_, err := s.Search(context.Background(), "query", 5)
	var se *resilience.HTTPStatusError
	if !errors.As(err, &se) || se.Status != 429 {
		t.Fatalf("expected 429 status error, got %v", err)
	}
}

func TestSerperSearcherParsesResultsAndImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-KEY"); got != "key" {
			t.Errorf("expected api key header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"organic": []map[string]any{
				{"title": "One", "link": "https://one.example", "snippet": "first"},
			},
			"images": []map[string]any{
				{"title": "Pic", "imageUrl": "https://img.example/a.png", "thumbnailUrl": "https://img.example/t.png"},
			},
		})
	}))
	defer srv.Close()

	s := NewSerperSearcher("key", srv.URL, time.Second)
	resp, err := s.Search(context.Background(), "query", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 1 || len(resp.Images) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Images[0].URL != "https://img.example/a.png" {
		t.Fatalf("unexpected image: %+v", resp.Images[0])
	}
}

type stubSearcher struct {
	name    string
	calls   int
	err     error
	results []Result
}

func (s *stubSearcher) Name() string { return s.name }

func (s *stubSearcher) Search(ctx context.Context, query string, maxResults int) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return Response{Results: s.results, Provider: s.name}, nil
}

func newTestSearchChain(searchers ...Searcher) *Chain {
	retry := resilience.RetryPolicy{
		MaxRetries:        0,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 1,
		IsRetryable:       resilience.DefaultRetryable,
	}
	registry := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})
	return NewChain(searchers, registry, retry, time.Second, nil)
}

func TestChainFallsThroughOnProviderFailure(t *testing.T) {
	s1 := &stubSearcher{name: "brave", err: &resilience.HTTPStatusError{Status: 503}}
	s2 := &stubSearcher{name: "serper", results: []Result{{Title: "hit", URL: "https://x.example"}}}
	chain := newTestSearchChain(s1, s2)

	resp, err := chain.Search(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if resp.Provider != "serper" {
		t.Fatalf("expected serper, got %s", resp.Provider)
	}
	if s1.calls == 0 {
		t.Fatal("expected first provider to be attempted")
	}
}

func TestChainEmptyResultsIsTerminalNoResults(t *testing.T) {
	s1 := &stubSearcher{name: "brave", results: nil}
	s2 := &stubSearcher{name: "serper", results: []Result{{Title: "hit", URL: "https://x.example"}}}
	chain := newTestSearchChain(s1, s2)

	_, err := chain.Search(context.Background(), "obscure query", 5)
	if err == nil {
		t.Fatal("expected no_results error")
	}
	if resilience.Classify(err).Kind != resilience.KindNoResults {
		t.Fatalf("expected no_results, got %v", err)
	}
	if s2.calls != 0 {
		t.Fatal("healthy-but-empty must not fall through to the next provider")
	}
}

func TestChainAllProvidersFailing(t *testing.T) {
	s1 := &stubSearcher{name: "brave", err: errors.New("refused")}
	s2 := &stubSearcher{name: "serper", err: errors.New("refused")}
	chain := newTestSearchChain(s1, s2)

	_, err := chain.Search(context.Background(), "q", 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if resilience.Classify(err).Kind != resilience.KindProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}
}

func TestChainDeduplicatesAcrossResults(t *testing.T) {
	s1 := &stubSearcher{name: "brave", results: []Result{
		{Title: "a", URL: "https://x.example/p"},
		{Title: "b", URL: "http://x.example/p"},
	}}
	chain := newTestSearchChain(s1)

	resp, err := chain.Search(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected duplicates collapsed, got %d results", len(resp.Results))
	}
}

func TestEnricherFillsContentBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>T</title></head><body><article><p>` +
			`Some long article paragraph with enough words to be treated as the main content block by the extractor. ` +
			`It keeps going for a little while so readability has something to hold on to.` +
			`</p></article></body></html>`))
	}))
	defer srv.Close()

	results := []Result{
		{Title: "ok", URL: srv.URL},
		{Title: "broken", URL: "http://127.0.0.1:1/nope"},
	}
	e := NewEnricher(2, time.Second, 1000)
	e.Enrich(context.Background(), results)

	if results[0].Content == "" {
		t.Fatal("expected content extracted for reachable page")
	}
	if results[1].Content != "" {
		t.Fatal("unreachable page must stay snippet-only, not fail")
	}
}
