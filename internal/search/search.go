package search

import (
	"context"
	"strings"
)

// Result is one discovered web source.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	// Content is the extracted article text, filled in by enrichment
	// when enabled. Empty otherwise.
	Content string `json:"content,omitempty"`
}

// Image is one discovered image result. Only some providers return
// images; a response without them is still complete.
type Image struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	ThumbURL string `json:"thumb_url,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Response bundles everything one search call produced.
type Response struct {
	Results  []Result `json:"results"`
	Images   []Image  `json:"images,omitempty"`
	Provider string   `json:"provider"`
	Cached   bool     `json:"cached,omitempty"`
}

// Searcher is a single web search backend.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) (Response, error)
}

// Deduplicate drops results whose URL was already seen, keeping first
// occurrences in order.
func Deduplicate(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	out := make([]Result, 0, len(results))
	for _, r := range results {
		key := normalizeURL(r.URL)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func normalizeURL(raw string) string {
	u := strings.TrimSpace(strings.ToLower(raw))
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	return strings.TrimSuffix(u, "/")
}
