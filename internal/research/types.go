package research

import (
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/search"
)

// Mode selects the pipeline shape.
type Mode string

const (
	// ModeDeep runs the full multi-round pipeline.
	ModeDeep Mode = "deep"
	// ModeSimplified collapses to search, summarize, complete: no
	// planning, no gap analysis, no second round, no proofread.
	ModeSimplified Mode = "simplified"
)

// Stage is one step of the pipeline state machine. Stages are linear;
// the only repetition is the bounded per-call retry inside a stage.
type Stage string

const (
	StagePlanning      Stage = "planning"
	StageSearching1    Stage = "searching_round1"
	StageExtracting1   Stage = "extracting_round1"
	StageAnalyzingGaps Stage = "analyzing_gaps"
	StageSearching2    Stage = "searching_round2"
	StageExtracting2   Stage = "extracting_round2"
	StageSynthesizing  Stage = "synthesizing"
	StageProofreading  Stage = "proofreading"
	StageSummarizing   Stage = "summarizing"
	StageComplete      Stage = "complete"
	StageFailed        Stage = "failed"
)

// Request is one research query.
type Request struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	Mode  Mode   `json:"mode"`

	UserID string `json:"user_id"`
	// Tier isolates circuit breaker state between caller classes.
	Tier string `json:"tier,omitempty"`
	// PreferredProvider, when set, is tried first in the LLM fallback
	// chain.
	PreferredProvider string `json:"preferred_provider,omitempty"`
	MaxResults        int    `json:"max_results,omitempty"`
}

// Source is a cited web source. CitationIndex is globally unique within
// a run and stable across rounds: the same URL always keeps the number
// it was assigned on first sight.
type Source struct {
	CitationIndex int    `json:"citation_index"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet,omitempty"`
	Content       string `json:"content,omitempty"`
}

// Aspect is one independently-searchable facet of the query.
type Aspect struct {
	Name     string `json:"aspect"`
	SubQuery string `json:"sub_query"`
}

// Plan is the decomposition produced by the planning stage.
type Plan struct {
	Aspects        []Aspect `json:"aspects"`
	Classification string   `json:"classification,omitempty"`
	SuggestedDepth int      `json:"suggested_depth,omitempty"`
}

// Extraction is the structured knowledge pulled from one aspect's
// sources. Citations reference global citation indexes.
type Extraction struct {
	Aspect         string   `json:"aspect"`
	Claims         []string `json:"claims"`
	Statistics     []string `json:"statistics,omitempty"`
	Contradictions []string `json:"contradictions,omitempty"`
	Citations      []int    `json:"citations,omitempty"`
}

// Gap is an under-covered facet found after round 1, driving a round-2
// search.
type Gap struct {
	Description string `json:"gap"`
	Query       string `json:"query"`
	Type        string `json:"type,omitempty"`
}

// GapReport is the gap-analysis stage output.
type GapReport struct {
	HasGaps bool  `json:"has_gaps"`
	Gaps    []Gap `json:"gaps,omitempty"`
}

// Event is one progress notification pushed to the caller while a run
// executes. Synthesis additionally streams text deltas.
type Event struct {
	Stage Stage  `json:"stage"`
	Delta string `json:"delta,omitempty"`
	// Message carries human-readable progress detail (aspect counts,
	// degraded-mode notices).
	Message string `json:"message,omitempty"`
}

// Result is the terminal output of a successful run.
type Result struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	Mode  Mode   `json:"mode"`

	Report  string         `json:"report"`
	Sources []Source       `json:"sources"`
	Images  []search.Image `json:"images,omitempty"`

	// NoResults marks the empty-but-successful terminal state: zero
	// sources across every aspect.
	NoResults bool `json:"no_results,omitempty"`
	// Degraded marks runs that completed on round-1 data after a
	// round-2 timeout or a proofread failure.
	Degraded bool `json:"degraded,omitempty"`

	UsedProviders map[string]string `json:"used_providers,omitempty"`
	ActualCost    float64           `json:"actual_cost"`
	Elapsed       time.Duration     `json:"elapsed"`
}

// Status is a point-in-time snapshot of a running query, served to
// polling callers.
type Status struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}
