package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

// BraveSearcher queries the Brave web search API.
// https://api.search.brave.com/app/documentation/web-search
type BraveSearcher struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewBraveSearcher creates a Brave searcher. baseURL overrides the
// production endpoint for tests.
func NewBraveSearcher(apiKey, baseURL string, timeout time.Duration) *BraveSearcher {
	if baseURL == "" {
		baseURL = "https://api.search.brave.com/res/v1"
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &BraveSearcher{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *BraveSearcher) Name() string { return "brave" }

func (s *BraveSearcher) Search(ctx context.Context, query string, maxResults int) (Response, error) {
	if s.apiKey == "" {
		return Response{}, fmt.Errorf("brave API key not configured")
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	endpoint := fmt.Sprintf("%s/web/search?q=%s&count=%d", s.baseURL, url.QueryEscape(query), maxResults)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return Response{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, &resilience.HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Response{}, fmt.Errorf("decode: %w", err)
	}

	out := Response{Provider: s.Name()}
	for i, r := range raw.Web.Results {
		if i >= maxResults {
			break
		}
		out.Results = append(out.Results, Result{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}
