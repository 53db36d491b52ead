package search

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// Enricher fetches the top search hits and extracts their main article
// text. Enrichment is strictly best-effort: a page that cannot be
// fetched or parsed keeps its snippet and nothing else fails.
type Enricher struct {
	client   *http.Client
	topN     int
	maxChars int
	logger   *log.Logger
}

// NewEnricher creates an enricher fetching the first topN results.
func NewEnricher(topN int, fetchTimeout time.Duration, maxChars int) *Enricher {
	if topN <= 0 {
		topN = 3
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &Enricher{
		client:   &http.Client{Timeout: fetchTimeout},
		topN:     topN,
		maxChars: maxChars,
		logger:   log.New(log.Writer(), "[FETCH] ", log.LstdFlags),
	}
}

// Enrich fills Content on the first topN results in place, fetching
// concurrently.
func (e *Enricher) Enrich(ctx context.Context, results []Result) {
	n := e.topN
	if n > len(results) {
		n = len(results)
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(r *Result) {
			defer wg.Done()
			text, err := e.extract(ctx, r.URL)
			if err != nil {
				e.logger.Printf("extract %s: %v", r.URL, err)
				return
			}
			r.Content = text
		}(&results[i])
	}
	wg.Wait()
}

func (e *Enricher) extract(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; deepresearch/1.0)")
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &readFetchError{status: resp.StatusCode}
	}
	u, err := url.Parse(link)
	if err != nil {
		u = &url.URL{}
	}
	article, err := readability.FromReader(resp.Body, u)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > e.maxChars {
		text = text[:e.maxChars]
	}
	return text, nil
}

type readFetchError struct{ status int }

func (e *readFetchError) Error() string {
	return fmt.Sprintf("fetch status %d", e.status)
}
