package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

// SerperSearcher queries the Serper API (Google results). Serper also
// returns image hits, which downstream report assembly can embed.
// https://serper.dev/
type SerperSearcher struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSerperSearcher creates a Serper searcher. baseURL overrides the
// production endpoint for tests.
func NewSerperSearcher(apiKey, baseURL string, timeout time.Duration) *SerperSearcher {
	if baseURL == "" {
		baseURL = "https://google.serper.dev"
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &SerperSearcher{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *SerperSearcher) Name() string { return "serper" }

func (s *SerperSearcher) Search(ctx context.Context, query string, maxResults int) (Response, error) {
	if s.apiKey == "" {
		return Response{}, fmt.Errorf("serper API key not configured")
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	body, err := json.Marshal(map[string]any{"q": query, "num": maxResults})
	if err != nil {
		return Response{}, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/search", bytes.NewBuffer(body))
	if err != nil {
		return Response{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

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
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
		Images []struct {
			Title        string `json:"title"`
			ImageURL     string `json:"imageUrl"`
			ThumbnailURL string `json:"thumbnailUrl"`
			Source       string `json:"source"`
		} `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Response{}, fmt.Errorf("decode: %w", err)
	}

	out := Response{Provider: s.Name()}
	for i, r := range raw.Organic {
		if i >= maxResults {
			break
		}
		out.Results = append(out.Results, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	for _, img := range raw.Images {
		out.Images = append(out.Images, Image{Title: img.Title, URL: img.ImageURL, ThumbURL: img.ThumbnailURL, Source: img.Source})
	}
	return out, nil
}
