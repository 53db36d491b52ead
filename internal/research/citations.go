package research

import (
	"sync"

	"github.com/mohammad-safakhou/deepresearch/internal/search"
)

// citationTracker assigns globally unique, monotonically increasing
// citation indexes across all aspects and rounds of one run. The same
// URL always resolves to the index it got on first sight, no matter
// which aspect referenced it first. Safe for concurrent use by the
// per-aspect extraction fan-out.
type citationTracker struct {
	mu      sync.Mutex
	byURL   map[string]int
	ordered []Source
	next    int
}

func newCitationTracker() *citationTracker {
	return &citationTracker{byURL: make(map[string]int), next: 1}
}

// Add registers results under stable citation indexes and returns them
// as cited sources. Duplicate URLs keep their original index and do not
// produce a second entry.
func (t *citationTracker) Add(results []search.Result) []Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Source, 0, len(results))
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		idx, seen := t.byURL[r.URL]
		if !seen {
			idx = t.next
			t.next++
			t.byURL[r.URL] = idx
			t.ordered = append(t.ordered, Source{
				CitationIndex: idx,
				Title:         r.Title,
				URL:           r.URL,
				Snippet:       r.Snippet,
				Content:       r.Content,
			})
		}
		out = append(out, t.sourceByIndexLocked(idx))
	}
	return out
}

func (t *citationTracker) sourceByIndexLocked(idx int) Source {
	for _, s := range t.ordered {
		if s.CitationIndex == idx {
			return s
		}
	}
	return Source{}
}

// seed restores tracker state from previously cited sources, keeping
// their indexes. Used when a cached stage snapshot is adopted.
func (t *citationTracker) seed(sources []Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sources {
		if s.URL == "" {
			continue
		}
		if _, seen := t.byURL[s.URL]; seen {
			continue
		}
		t.byURL[s.URL] = s.CitationIndex
		t.ordered = append(t.ordered, s)
		if s.CitationIndex >= t.next {
			t.next = s.CitationIndex + 1
		}
	}
}

// Sources returns every cited source in first-seen order.
func (t *citationTracker) Sources() []Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Source, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// Len reports how many distinct sources have been cited.
func (t *citationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ordered)
}
