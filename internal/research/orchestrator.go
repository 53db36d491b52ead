package research

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepresearch/internal/cache"
	"github.com/mohammad-safakhou/deepresearch/internal/ledger"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
	"github.com/mohammad-safakhou/deepresearch/internal/search"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
)

// SearchClient is the slice of the search fallback chain the pipeline
// needs.
type SearchClient interface {
	Search(ctx context.Context, query string, maxResults int) (search.Response, error)
}

// CreditLedger is the reservation protocol the pipeline drives. Exactly
// one of Finalize or Cancel is called per reservation.
type CreditLedger interface {
	Reserve(ctx context.Context, userID string, estimatedCost float64) (ledger.Reservation, error)
	Finalize(ctx context.Context, res ledger.Reservation, actualCost float64) error
	Cancel(ctx context.Context, res ledger.Reservation)
}

// Per-run cost model: reservations hold the estimate, finalization
// settles at the measured actual.
const (
	estimatedCostDeep       = 0.10
	estimatedCostSimplified = 0.02
	searchUnitCost          = 0.005
)

// Options bundles the orchestrator's collaborators and tuning.
type Options struct {
	Agents   *Agents
	Searcher SearchClient
	Ledger   CreditLedger
	Cache    cache.Store
	Metrics  *telemetry.Metrics

	CacheTTL          time.Duration
	RoundTwoTimeout   time.Duration
	MaxProcessingTime time.Duration
	MaxConcurrentRuns int
	MaxResults        int
}

// Orchestrator drives the multi-stage research pipeline. One logical
// task per query with internal fan-out; the only cross-run shared state
// lives behind the breaker registry inside the fallback chains.
type Orchestrator struct {
	agents   *Agents
	searcher SearchClient
	ledger   CreditLedger
	cache    cache.Store
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   *log.Logger

	cacheTTL          time.Duration
	round2Timeout     time.Duration
	maxProcessingTime time.Duration
	maxResults        int

	sem chan struct{}

	mu       sync.Mutex
	statuses map[string]*Status

	now func() time.Time // injected for tests
}

// statusRetention is how long a finished run stays queryable before a
// later run's bookkeeping prunes it.
const statusRetention = time.Hour

// NewOrchestrator wires the pipeline from its collaborators.
func NewOrchestrator(opts Options) *Orchestrator {
	st := opts.Cache
	if st == nil {
		st = cache.Disabled{}
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 10
	}
	if opts.RoundTwoTimeout <= 0 {
		opts.RoundTwoTimeout = 2 * time.Minute
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	return &Orchestrator{
		agents:            opts.Agents,
		searcher:          opts.Searcher,
		ledger:            opts.Ledger,
		cache:             st,
		metrics:           opts.Metrics,
		tracer:            otel.Tracer("deepresearch/research"),
		logger:            log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		cacheTTL:          opts.CacheTTL,
		round2Timeout:     opts.RoundTwoTimeout,
		maxProcessingTime: opts.MaxProcessingTime,
		maxResults:        opts.MaxResults,
		sem:               make(chan struct{}, opts.MaxConcurrentRuns),
		statuses:          make(map[string]*Status),
		now:               time.Now,
	}
}

// Status returns a snapshot of a known run, if any.
func (o *Orchestrator) Status(id string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.statuses[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

func (o *Orchestrator) setStage(id string, stage Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.statuses[id]
	if !ok {
		o.pruneStatusesLocked()
		s = &Status{ID: id, StartedAt: o.now()}
		o.statuses[id] = s
	}
	s.Stage = stage
	s.UpdatedAt = o.now()
}

// pruneStatusesLocked drops finished runs past the retention window so
// the status map does not grow for the process lifetime. Called with
// o.mu held, on each new run's first status write.
func (o *Orchestrator) pruneStatusesLocked() {
	cutoff := o.now().Add(-statusRetention)
	for id, s := range o.statuses {
		if s.Stage != StageComplete && s.Stage != StageFailed {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			delete(o.statuses, id)
		}
	}
}

func (o *Orchestrator) setError(id string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.statuses[id]; ok {
		s.Stage = StageFailed
		s.Error = err.Error()
		s.UpdatedAt = o.now()
	}
}

func emit(ctx context.Context, ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// runState accumulates a single run's working set. Mutated only by the
// goroutine driving the run; fan-out helpers guard their shared writes
// with the embedded mutex.
type runState struct {
	mu          sync.Mutex
	tracker     *citationTracker
	byAspect    map[string][]Source
	images      []search.Image
	extractions []Extraction
	providers   map[string]string
	cost        float64
	metered     int
	degraded    bool
}

func (rs *runState) addCost(c float64) {
	rs.mu.Lock()
	rs.cost += c
	rs.mu.Unlock()
}

func (rs *runState) noteProvider(role, provider string) {
	rs.mu.Lock()
	if rs.providers[role] == "" {
		rs.providers[role] = provider
	}
	rs.mu.Unlock()
}

// roundSnapshot is the cacheable output of a search+extract round:
// sources with their global citation indexes, images, and structured
// extractions.
type roundSnapshot struct {
	Sources     []Source       `json:"sources"`
	Images      []search.Image `json:"images,omitempty"`
	Extractions []Extraction   `json:"extractions"`
}

// Run executes one research query to a terminal state. Progress events
// and synthesis deltas are pushed to events (may be nil). The returned
// error, when non-nil, is classifiable via the resilience error
// taxonomy; caller cancellation is reported as cancellation, never as a
// pipeline failure.
func (o *Orchestrator) Run(ctx context.Context, req Request, events chan<- Event) (Result, error) {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return Result{}, resilience.Classify(ctx.Err())
	}

	if o.maxProcessingTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.maxProcessingTime)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "research.run",
		trace.WithAttributes(
			attribute.String("research.id", req.ID),
			attribute.String("research.mode", string(req.Mode)),
		))
	defer span.End()

	start := time.Now()
	result, err := o.run(ctx, req, events)
	result.Elapsed = time.Since(start)

	status := "complete"
	if err != nil {
		status = "failed"
		if resilience.IsCancelled(err) {
			status = "cancelled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.setError(req.ID, err)
	} else {
		o.setStage(req.ID, StageComplete)
	}
	if o.metrics != nil {
		o.metrics.ObserveRun(string(req.Mode), status, result.Elapsed, result.ActualCost)
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, events chan<- Event) (Result, error) {
	if req.MaxResults <= 0 {
		req.MaxResults = o.maxResults
	}
	switch req.Mode {
	case ModeSimplified:
		return o.runSimplified(ctx, req, events)
	default:
		return o.runDeep(ctx, req, events)
	}
}

func (o *Orchestrator) runDeep(ctx context.Context, req Request, events chan<- Event) (Result, error) {
	rs := &runState{
		tracker:   newCitationTracker(),
		byAspect:  make(map[string][]Source),
		providers: make(map[string]string),
	}
	result := Result{ID: req.ID, Query: req.Query, Mode: ModeDeep}

	// Planning runs concurrently with the limit check so the
	// reservation round-trip never adds latency.
	o.setStage(req.ID, StagePlanning)
	emit(ctx, events, Event{Stage: StagePlanning})
	plan, reservation, err := o.planAndReserve(ctx, req, rs)
	if err != nil {
		return result, err
	}

	// From here the reservation is live: exactly one of finalize or
	// cancel must settle it, including on panic and cancellation.
	settled := false
	defer func() {
		if !settled {
			o.ledger.Cancel(context.WithoutCancel(ctx), reservation)
			if o.metrics != nil {
				o.metrics.Reservations.WithLabelValues("cancelled").Inc()
			}
		}
	}()

	// Round 1, consulting the stage cache first. The cache is advisory:
	// a miss always falls through to full computation.
	round1Key := cache.Key{Stage: "round1", Provider: req.PreferredProvider, Query: req.Query}
	var snap roundSnapshot
	if o.cache.Get(ctx, round1Key, &snap) && len(snap.Sources) > 0 {
		o.noteCache("round1", true)
		rs.tracker.seed(snap.Sources)
		rs.images = snap.Images
		rs.extractions = snap.Extractions
		emit(ctx, events, Event{Stage: StageExtracting1, Message: "restored round 1 from cache"})
	} else {
		o.noteCache("round1", false)
		noResults, err := o.runRound(ctx, req, rs, plan.Aspects, events, StageSearching1, StageExtracting1)
		if err != nil {
			return result, err
		}
		if noResults {
			// Zero sources across every aspect is a successful terminal
			// state, not an error.
			result.NoResults = true
			result.Report = "No sources found for this query."
			o.settle(ctx, reservation, rs, &settled)
			result.ActualCost = rs.cost
			return result, nil
		}
		if ctx.Err() == nil {
			o.cache.Put(ctx, round1Key, roundSnapshot{
				Sources:     rs.tracker.Sources(),
				Images:      rs.images,
				Extractions: rs.extractions,
			}, o.cacheTTL)
		}
	}

	// Gap analysis over all round-1 extractions in one call. A failure
	// here degrades to synthesis on round-1 data; it never fails the run.
	var gaps []Gap
	if len(rs.extractions) > 0 {
		o.setStage(req.ID, StageAnalyzingGaps)
		emit(ctx, events, Event{Stage: StageAnalyzingGaps})
		report := o.analyzeGaps(ctx, req, rs)
		if report.HasGaps && len(report.Gaps) > 0 {
			gaps = report.Gaps
			o.runRoundTwo(ctx, req, rs, gaps, events)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, resilience.Classify(err)
	}

	// Synthesis streams; deltas go to the caller as they arrive, and
	// partial text is never surfaced as a final report.
	o.setStage(req.ID, StageSynthesizing)
	emit(ctx, events, Event{Stage: StageSynthesizing})
	report, err := o.synthesize(ctx, req, rs, gaps, events)
	if err != nil {
		return result, err
	}

	// Proofreading is cheap cleanup; a failure keeps the pre-proofread
	// text and marks the run degraded.
	o.setStage(req.ID, StageProofreading)
	emit(ctx, events, Event{Stage: StageProofreading})
	report = o.proofread(ctx, req, rs, report)

	o.settle(ctx, reservation, rs, &settled)

	result.Report = report
	result.Sources = rs.tracker.Sources()
	result.Images = rs.images
	result.Degraded = rs.degraded
	result.UsedProviders = rs.providers
	result.ActualCost = rs.cost
	return result, nil
}

func (o *Orchestrator) runSimplified(ctx context.Context, req Request, events chan<- Event) (Result, error) {
	rs := &runState{
		tracker:   newCitationTracker(),
		byAspect:  make(map[string][]Source),
		providers: make(map[string]string),
	}
	result := Result{ID: req.ID, Query: req.Query, Mode: ModeSimplified}

	reservation, err := o.ledger.Reserve(ctx, req.UserID, estimatedCostSimplified)
	if err != nil {
		o.noteReservation(err)
		return result, err
	}
	if o.metrics != nil {
		o.metrics.Reservations.WithLabelValues("reserved").Inc()
	}
	settled := false
	defer func() {
		if !settled {
			o.ledger.Cancel(context.WithoutCancel(ctx), reservation)
			if o.metrics != nil {
				o.metrics.Reservations.WithLabelValues("cancelled").Inc()
			}
		}
	}()

	o.setStage(req.ID, StageSearching1)
	emit(ctx, events, Event{Stage: StageSearching1})
	stageStart := time.Now()
	resp, err := o.searcher.Search(ctx, req.Query, req.MaxResults)
	o.observeStage("searching", stageStart)
	if err != nil {
		if resilience.Classify(err).Kind != resilience.KindNoResults {
			return result, err
		}
		// A healthy backend with zero hits is a successful terminal
		// state, not a failure. The backend did run, so the call is
		// still metered.
		rs.metered++
	} else if !resp.Cached {
		rs.metered++
	}
	sources := rs.tracker.Add(resp.Results)
	rs.images = append(rs.images, resp.Images...)
	if len(sources) == 0 {
		result.NoResults = true
		result.Report = "No sources found for this query."
		o.settle(ctx, reservation, rs, &settled)
		result.ActualCost = rs.cost
		return result, nil
	}

	o.setStage(req.ID, StageSummarizing)
	emit(ctx, events, Event{Stage: StageSummarizing})
	handle, err := o.agents.Summarize(ctx, req.Query, sources, routeFor(req))
	if err != nil {
		return result, err
	}
	rs.noteProvider("synthesis", handle.Provider)
	report, err := o.consumeStream(ctx, handle, rs, events, StageSummarizing)
	if err != nil {
		return result, err
	}

	o.settle(ctx, reservation, rs, &settled)

	result.Report = report
	result.Sources = rs.tracker.Sources()
	result.Images = rs.images
	result.UsedProviders = rs.providers
	result.ActualCost = rs.cost
	return result, nil
}

// planAndReserve runs planning and the limit check concurrently. A
// denied limit check terminates the run before any reservation exists;
// a planning failure cancels the already-made reservation.
func (o *Orchestrator) planAndReserve(ctx context.Context, req Request, rs *runState) (Plan, ledger.Reservation, error) {
	ctx, span := o.tracer.Start(ctx, "research.planning")
	defer span.End()
	stageStart := time.Now()
	defer func() { o.observeStage("planning", stageStart) }()

	type planOut struct {
		plan Plan
		err  error
	}
	type reserveOut struct {
		res ledger.Reservation
		err error
	}
	planCh := make(chan planOut, 1)
	resCh := make(chan reserveOut, 1)

	go func() {
		plan, gen, err := o.agents.Plan(ctx, req.Query, routeFor(req))
		if err == nil {
			rs.addCost(gen.Cost)
			rs.noteProvider("planning", gen.Provider)
		}
		planCh <- planOut{plan: plan, err: err}
	}()
	go func() {
		res, err := o.ledger.Reserve(ctx, req.UserID, estimatedCostDeep)
		resCh <- reserveOut{res: res, err: err}
	}()

	p := <-planCh
	r := <-resCh

	if r.err != nil {
		o.noteReservation(r.err)
		return Plan{}, ledger.Reservation{}, r.err
	}
	if o.metrics != nil {
		o.metrics.Reservations.WithLabelValues("reserved").Inc()
	}
	if p.err != nil {
		o.ledger.Cancel(context.WithoutCancel(ctx), r.res)
		if o.metrics != nil {
			o.metrics.Reservations.WithLabelValues("cancelled").Inc()
		}
		span.SetStatus(codes.Error, p.err.Error())
		return Plan{}, ledger.Reservation{}, p.err
	}
	span.SetAttributes(attribute.Int("research.aspects", len(p.plan.Aspects)))
	return p.plan, r.res, nil
}

// runRound performs one search+extract round over the given aspects.
// Returns noResults=true when no aspect produced a single source.
func (o *Orchestrator) runRound(ctx context.Context, req Request, rs *runState, aspects []Aspect, events chan<- Event, searchStage, extractStage Stage) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "research."+string(searchStage))
	defer span.End()

	// Concurrent searches, one per aspect. A failed branch is filtered,
	// never cancels its siblings.
	o.setStage(req.ID, searchStage)
	emit(ctx, events, Event{Stage: searchStage, Message: fmt.Sprintf("%d aspects", len(aspects))})
	stageStart := time.Now()
	var wg sync.WaitGroup
	for _, aspect := range aspects {
		wg.Add(1)
		go func(a Aspect) {
			defer wg.Done()
			resp, err := o.searcher.Search(ctx, a.SubQuery, req.MaxResults)
			if err != nil {
				o.logger.Printf("search aspect %q: %v", a.Name, err)
				return
			}
			sources := rs.tracker.Add(resp.Results)
			rs.mu.Lock()
			rs.byAspect[a.Name] = sources
			rs.images = append(rs.images, dedupeImages(rs.images, resp.Images)...)
			if !resp.Cached {
				rs.metered++
			}
			rs.mu.Unlock()
		}(aspect)
	}
	wg.Wait()
	o.observeStage("searching", stageStart)

	if err := ctx.Err(); err != nil {
		return false, resilience.Classify(err)
	}
	if rs.tracker.Len() == 0 {
		return true, nil
	}

	// Concurrent extraction per aspect against the shared citation
	// tracker. Null or failed extractions are filtered, not fatal.
	o.setStage(req.ID, extractStage)
	emit(ctx, events, Event{Stage: extractStage})
	extractStart := time.Now()
	for _, aspect := range aspects {
		rs.mu.Lock()
		sources := rs.byAspect[aspect.Name]
		rs.mu.Unlock()
		if len(sources) == 0 {
			continue
		}
		wg.Add(1)
		go func(a Aspect, srcs []Source) {
			defer wg.Done()
			ex, gen, err := o.agents.Extract(ctx, req.Query, a, srcs, routeFor(req))
			if err != nil {
				o.logger.Printf("extract aspect %q: %v", a.Name, err)
				return
			}
			rs.addCost(gen.Cost)
			rs.noteProvider("extract", gen.Provider)
			if ex == nil {
				return
			}
			rs.mu.Lock()
			rs.extractions = append(rs.extractions, *ex)
			rs.mu.Unlock()
		}(aspect, sources)
	}
	wg.Wait()
	o.observeStage("extracting", extractStart)

	if err := ctx.Err(); err != nil {
		return false, resilience.Classify(err)
	}
	return false, nil
}

func (o *Orchestrator) analyzeGaps(ctx context.Context, req Request, rs *runState) GapReport {
	stageStart := time.Now()
	defer func() { o.observeStage("analyzing_gaps", stageStart) }()
	report, gen, err := o.agents.AnalyzeGaps(ctx, req.Query, rs.extractions, routeFor(req))
	if err != nil {
		o.logger.Printf("gap analysis failed, synthesizing with round-1 data: %v", err)
		rs.degraded = true
		return GapReport{}
	}
	rs.addCost(gen.Cost)
	rs.noteProvider("gaps", gen.Provider)
	return report
}

// runRoundTwo executes the gap-filling round under its own stage
// timeout. On timeout the whole round is discarded and the run proceeds
// with round-1 data only, marked degraded.
func (o *Orchestrator) runRoundTwo(ctx context.Context, req Request, rs *runState, gaps []Gap, events chan<- Event) {
	round2Key := cache.Key{
		Stage:        "round2",
		Provider:     req.PreferredProvider,
		Query:        req.Query,
		UpstreamHash: cache.HashJSON(rs.extractions),
	}
	var snap roundSnapshot
	if o.cache.Get(ctx, round2Key, &snap) && len(snap.Sources) > 0 {
		o.noteCache("round2", true)
		rs.tracker.seed(snap.Sources)
		rs.images = snap.Images
		rs.extractions = snap.Extractions
		emit(ctx, events, Event{Stage: StageExtracting2, Message: "restored round 2 from cache"})
		return
	}
	o.noteCache("round2", false)

	aspects := make([]Aspect, 0, len(gaps))
	for _, g := range gaps {
		aspects = append(aspects, Aspect{Name: g.Description, SubQuery: g.Query})
	}

	// Work on a copy of the run state so a timed-out round leaves no
	// partial sources, extractions, or images behind.
	shadow := &runState{
		tracker:   newCitationTracker(),
		byAspect:  make(map[string][]Source),
		providers: rs.providers,
	}
	shadow.tracker.seed(rs.tracker.Sources())
	shadow.images = append(shadow.images, rs.images...)
	shadow.extractions = append(shadow.extractions, rs.extractions...)

	r2ctx, cancel := context.WithTimeout(ctx, o.round2Timeout)
	defer cancel()
	_, err := o.runRound(r2ctx, req, shadow, aspects, events, StageSearching2, StageExtracting2)
	// Spend that already happened is real even when the round is
	// abandoned: LLM cost and metered searches are merged regardless.
	rs.addCost(shadow.cost)
	rs.mu.Lock()
	rs.metered += shadow.metered
	rs.mu.Unlock()
	if err != nil || r2ctx.Err() != nil {
		o.logger.Printf("round 2 abandoned, using round-1 data: %v", err)
		rs.degraded = true
		return
	}

	rs.tracker.seed(shadow.tracker.Sources())
	rs.images = shadow.images
	rs.extractions = shadow.extractions

	if ctx.Err() == nil {
		o.cache.Put(ctx, round2Key, roundSnapshot{
			Sources:     rs.tracker.Sources(),
			Images:      rs.images,
			Extractions: rs.extractions,
		}, o.cacheTTL)
	}
}

func (o *Orchestrator) synthesize(ctx context.Context, req Request, rs *runState, gaps []Gap, events chan<- Event) (string, error) {
	ctx, span := o.tracer.Start(ctx, "research.synthesizing")
	defer span.End()
	stageStart := time.Now()
	defer func() { o.observeStage("synthesizing", stageStart) }()

	handle, err := o.agents.Synthesize(ctx, SynthesisRequest{
		Query:       req.Query,
		Extractions: rs.extractions,
		RawSources:  rs.tracker.Sources(),
		Gaps:        gaps,
		Route:       routeFor(req),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	rs.noteProvider("synthesis", handle.Provider)
	return o.consumeStream(ctx, handle, rs, events, StageSynthesizing)
}

// consumeStream forwards deltas to the caller and assembles the final
// text. A stream that errors or ends without the explicit completion
// marker fails the stage: partial text is never returned as final.
func (o *Orchestrator) consumeStream(ctx context.Context, handle llm.StreamHandle, rs *runState, events chan<- Event, stage Stage) (string, error) {
	var text []byte
	for {
		select {
		case <-ctx.Done():
			return "", resilience.Classify(ctx.Err())
		case delta, ok := <-handle.Deltas:
			if !ok {
				return "", resilience.NewError(resilience.KindProviderUnavailable, "stream closed without completion marker", nil)
			}
			if delta.Err != nil {
				if resilience.IsCancelled(delta.Err) {
					return "", resilience.Classify(delta.Err)
				}
				return "", resilience.NewError(resilience.KindProviderUnavailable, "stream failed mid-generation", delta.Err)
			}
			if delta.Done {
				full := string(text)
				rs.addCost(o.agents.StreamCost(handle.Provider, "synthesis", full))
				return full, nil
			}
			if delta.Text != "" {
				text = append(text, delta.Text...)
				emit(ctx, events, Event{Stage: stage, Delta: delta.Text})
			}
		}
	}
}

func (o *Orchestrator) proofread(ctx context.Context, req Request, rs *runState, report string) string {
	stageStart := time.Now()
	defer func() { o.observeStage("proofreading", stageStart) }()
	cleaned, gen, err := o.agents.Proofread(ctx, report, routeFor(req))
	if err != nil {
		o.logger.Printf("proofread failed, keeping original text: %v", err)
		rs.degraded = true
		return report
	}
	rs.addCost(gen.Cost)
	rs.noteProvider("proofread", gen.Provider)
	return cleaned
}

// settle finalizes the reservation at the measured actual cost:
// metered search calls plus accumulated LLM spend.
func (o *Orchestrator) settle(ctx context.Context, res ledger.Reservation, rs *runState, settled *bool) {
	rs.mu.Lock()
	rs.cost += float64(rs.metered) * searchUnitCost
	actual := rs.cost
	rs.metered = 0
	rs.mu.Unlock()
	if err := o.ledger.Finalize(context.WithoutCancel(ctx), res, actual); err != nil {
		o.logger.Printf("finalize %s: %v", res.ID, err)
	}
	if o.metrics != nil {
		o.metrics.Reservations.WithLabelValues("finalized").Inc()
	}
	*settled = true
}

func (o *Orchestrator) observeStage(stage string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, time.Since(start))
	}
}

func (o *Orchestrator) noteCache(stage string, hit bool) {
	if o.metrics == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	o.metrics.CacheRequests.WithLabelValues(stage, outcome).Inc()
}

func (o *Orchestrator) noteReservation(err error) {
	if o.metrics == nil {
		return
	}
	if resilience.Classify(err).Kind == resilience.KindQuotaInsufficient {
		o.metrics.Reservations.WithLabelValues("denied").Inc()
	} else {
		o.metrics.Reservations.WithLabelValues("error").Inc()
	}
}

func dedupeImages(existing, incoming []search.Image) []search.Image {
	seen := make(map[string]bool, len(existing))
	for _, img := range existing {
		seen[img.URL] = true
	}
	var out []search.Image
	for _, img := range incoming {
		if img.URL == "" || seen[img.URL] {
			continue
		}
		seen[img.URL] = true
		out = append(out, img)
	}
	return out
}
