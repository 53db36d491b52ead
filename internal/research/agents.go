package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// Generator is the slice of the LLM fallback chain the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, req llm.ChainRequest) (llm.Generation, error)
	Stream(ctx context.Context, req llm.ChainRequest) (llm.StreamHandle, error)
	StreamCost(provider, role, output string) float64
}

// Agents wraps the LLM-backed capability calls the pipeline makes. Each
// method builds a prompt, invokes the fallback chain under the role's
// configured model routing, and parses the response leniently: models
// wrap JSON in prose often enough that strict parsing would fail good
// answers.
type Agents struct {
	llm    Generator
	logger *log.Logger
}

// NewAgents creates the capability layer over the given chain.
func NewAgents(g Generator) *Agents {
	return &Agents{
		llm:    g,
		logger: log.New(log.Writer(), "[AGENTS] ", log.LstdFlags),
	}
}

// Route carries per-request provider selection: the caller's preferred
// provider and the tier that isolates circuit breaker state.
type Route struct {
	Preferred string
	Tier      string
}

func routeFor(req Request) Route {
	return Route{Preferred: req.PreferredProvider, Tier: req.Tier}
}

const planPrompt = `You are a research planner. Decompose the research query into 2-5 independent sub-aspects, each with its own focused search query.

Research query: %s

Respond with JSON only:
{"aspects": [{"aspect": "short name", "sub_query": "search query"}], "classification": "factual|analytical|exploratory", "suggested_depth": 1-3}`

// Plan decomposes the query into independently searchable aspects.
func (a *Agents) Plan(ctx context.Context, query string, route Route) (Plan, llm.Generation, error) {
	gen, err := a.llm.Generate(ctx, llm.ChainRequest{
		Role:      "planning",
		Prompt:    fmt.Sprintf(planPrompt, query),
		Preferred: route.Preferred,
		Tier:      route.Tier,
	})
	if err != nil {
		return Plan{}, gen, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(extractFirstJSON(gen.Text)), &plan); err != nil || len(plan.Aspects) == 0 {
		// Fallback: treat the whole query as a single aspect.
		plan = Plan{Aspects: []Aspect{{Name: "main", SubQuery: query}}}
	}
	return plan, gen, nil
}

const extractPrompt = `You are a knowledge extractor. From the search results below, extract structured knowledge relevant to the research query.

Research query: %s
Aspect: %s

Sources (each prefixed by its citation number):
%s

Respond with JSON only:
{"claims": ["claim text [n]"], "statistics": ["statistic [n]"], "contradictions": ["contradiction [n]"], "citations": [1, 2]}
Reference sources by their citation numbers in square brackets.`

// Extract pulls structured knowledge from one aspect's sources. A nil
// extraction with nil error means the model produced nothing usable;
// callers filter those rather than failing the stage.
func (a *Agents) Extract(ctx context.Context, query string, aspect Aspect, sources []Source, route Route) (*Extraction, llm.Generation, error) {
	var sb strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n", s.CitationIndex, s.Title, firstNonEmpty(s.Content, s.Snippet))
	}
	gen, err := a.llm.Generate(ctx, llm.ChainRequest{
		Role:      "extract",
		Prompt:    fmt.Sprintf(extractPrompt, query, aspect.Name, sb.String()),
		Preferred: route.Preferred,
		Tier:      route.Tier,
	})
	if err != nil {
		return nil, gen, err
	}
	var ex Extraction
	if err := json.Unmarshal([]byte(extractFirstJSON(gen.Text)), &ex); err != nil {
		a.logger.Printf("extraction parse failed for aspect %q: %v", aspect.Name, err)
		return nil, gen, nil
	}
	if len(ex.Claims) == 0 && len(ex.Statistics) == 0 {
		return nil, gen, nil
	}
	ex.Aspect = aspect.Name
	return &ex, gen, nil
}

const gapsPrompt = `You are a research gap analyst. Given the query and the knowledge extracted so far, identify aspects that remain under-covered and would benefit from a focused follow-up search.

Research query: %s

Extracted knowledge:
%s

Respond with JSON only:
{"has_gaps": true|false, "gaps": [{"gap": "what is missing", "query": "follow-up search query", "type": "missing_data|conflicting|outdated"}]}
Report at most 3 gaps. If coverage is adequate, respond {"has_gaps": false}.`

// AnalyzeGaps reviews all round-1 extractions in a single call.
func (a *Agents) AnalyzeGaps(ctx context.Context, query string, extractions []Extraction, route Route) (GapReport, llm.Generation, error) {
	gen, err := a.llm.Generate(ctx, llm.ChainRequest{
		Role:      "gaps",
		Prompt:    fmt.Sprintf(gapsPrompt, query, renderExtractions(extractions)),
		Preferred: route.Preferred,
		Tier:      route.Tier,
	})
	if err != nil {
		return GapReport{}, gen, err
	}
	var report GapReport
	if err := json.Unmarshal([]byte(extractFirstJSON(gen.Text)), &report); err != nil {
		a.logger.Printf("gap analysis parse failed: %v", err)
		return GapReport{}, gen, nil
	}
	if len(report.Gaps) > 3 {
		report.Gaps = report.Gaps[:3]
	}
	return report, gen, nil
}

const synthesizePrompt = `You are a research writer. Write a comprehensive, well-structured answer to the research query using only the knowledge below. Cite sources inline with their citation numbers in square brackets, like [1].

Research query: %s

Knowledge:
%s
%s
Write the answer now.`

// SynthesisRequest carries everything the synthesis prompt needs.
type SynthesisRequest struct {
	Query       string
	Extractions []Extraction
	// RawSources seeds the prompt when extraction yielded nothing.
	RawSources []Source
	Gaps       []Gap
	Route      Route
}

// Synthesize opens the streamed final generation.
func (a *Agents) Synthesize(ctx context.Context, req SynthesisRequest) (llm.StreamHandle, error) {
	var knowledge string
	if len(req.Extractions) > 0 {
		knowledge = renderExtractions(req.Extractions)
	} else {
		knowledge = renderSources(req.RawSources)
	}
	var gapNote string
	if len(req.Gaps) > 0 {
		var sb strings.Builder
		sb.WriteString("Known remaining gaps (acknowledge them honestly):\n")
		for _, g := range req.Gaps {
			fmt.Fprintf(&sb, "- %s\n", g.Description)
		}
		gapNote = sb.String()
	}
	return a.llm.Stream(ctx, llm.ChainRequest{
		Role:      "synthesis",
		Prompt:    fmt.Sprintf(synthesizePrompt, req.Query, knowledge, gapNote),
		Preferred: req.Route.Preferred,
		Tier:      req.Route.Tier,
	})
}

const summarizePrompt = `Summarize the search results below into a concise, direct answer to the query. Cite sources inline with citation numbers in square brackets.

Query: %s

Results:
%s

Write the answer now.`

// Summarize is the simplified-mode single generation over raw results.
func (a *Agents) Summarize(ctx context.Context, query string, sources []Source, route Route) (llm.StreamHandle, error) {
	return a.llm.Stream(ctx, llm.ChainRequest{
		Role:      "synthesis",
		Prompt:    fmt.Sprintf(summarizePrompt, query, renderSources(sources)),
		Preferred: route.Preferred,
		Tier:      route.Tier,
	})
}

const proofreadPrompt = `Proofread the text below. Fix grammar, spelling, and awkward phrasing. Do not change meaning, structure, or citations. Return only the corrected text.

%s`

// StreamCost prices a streamed generation from its assembled output.
func (a *Agents) StreamCost(provider, role, output string) float64 {
	return a.llm.StreamCost(provider, role, output)
}

// Proofread cleans up the synthesized text. Callers treat a failure
// here as degraded, never fatal.
func (a *Agents) Proofread(ctx context.Context, text string, route Route) (string, llm.Generation, error) {
	gen, err := a.llm.Generate(ctx, llm.ChainRequest{
		Role:      "proofread",
		Prompt:    fmt.Sprintf(proofreadPrompt, text),
		Preferred: route.Preferred,
		Tier:      route.Tier,
	})
	if err != nil {
		return "", gen, err
	}
	cleaned := strings.TrimSpace(gen.Text)
	if cleaned == "" {
		return "", gen, fmt.Errorf("proofread returned empty text")
	}
	return cleaned, gen, nil
}

func renderExtractions(extractions []Extraction) string {
	var sb strings.Builder
	for _, ex := range extractions {
		fmt.Fprintf(&sb, "Aspect: %s\n", ex.Aspect)
		for _, c := range ex.Claims {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		for _, s := range ex.Statistics {
			fmt.Fprintf(&sb, "- stat: %s\n", s)
		}
		for _, c := range ex.Contradictions {
			fmt.Fprintf(&sb, "- conflicting: %s\n", c)
		}
	}
	return sb.String()
}

func renderSources(sources []Source) string {
	var sb strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n", s.CitationIndex, s.Title, firstNonEmpty(s.Content, s.Snippet))
	}
	return sb.String()
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// extractFirstJSON returns the first balanced JSON object in s, or s
// itself when none is found. Models routinely wrap JSON in prose or
// code fences; strict parsing would reject good answers.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
