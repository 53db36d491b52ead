package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/cache"
	"github.com/mohammad-safakhou/deepresearch/internal/ledger"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
	"github.com/mohammad-safakhou/deepresearch/internal/search"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
)

// Server is the HTTP surface over the research pipeline.
type Server struct {
	echo         *echo.Echo
	orchestrator *research.Orchestrator
	registry     *resilience.Registry
	metrics      *telemetry.Metrics
	logger       *log.Logger
}

// Run wires every component from config and serves until the listener
// fails.
func Run(cfg *config.Config) error {
	metrics := telemetry.NewMetrics()
	breakerHook := metrics.BreakerHook()
	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		SuccessThreshold: cfg.Resilience.SuccessThreshold,
		ResetTimeout:     cfg.Resilience.ResetTimeout,
		OnStateChange: func(service string, from, to resilience.BreakerState) {
			breakerHook(service, from.String(), to.String())
		},
	})

	llmRetry := resilience.LLMRetryPolicy()
	applyRetryOverrides(&llmRetry, cfg.Resilience.LLMMaxRetries, cfg.Resilience.LLMInitialDelay, cfg.Resilience.LLMMaxDelay, cfg.Resilience)
	searchRetry := resilience.SearchRetryPolicy()
	applyRetryOverrides(&searchRetry, cfg.Resilience.SearchMaxRetries, cfg.Resilience.SearchInitialDelay, cfg.Resilience.SearchMaxDelay, cfg.Resilience)

	providers, err := llm.NewProviders(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm providers: %w", err)
	}
	chain := llm.NewChain(providers, cfg.LLM.Routing, registry, llmRetry, cfg.Resilience.LLMCallTimeout, "")
	chain.SetFallbackHook(func(provider string) {
		metrics.ProviderFallbacks.WithLabelValues("llm", provider).Inc()
	})

	var searchers []search.Searcher
	for _, name := range cfg.Search.Priority {
		switch name {
		case "brave":
			if cfg.Search.BraveAPIKey != "" {
				searchers = append(searchers, search.NewBraveSearcher(cfg.Search.BraveAPIKey, "", cfg.Search.Timeout))
			}
		case "serper":
			if cfg.Search.SerperAPIKey != "" {
				searchers = append(searchers, search.NewSerperSearcher(cfg.Search.SerperAPIKey, "", cfg.Search.Timeout))
			}
		}
	}
	if len(searchers) == 0 {
		return fmt.Errorf("no search providers configured")
	}
	var enricher *search.Enricher
	if cfg.Search.FetchContent {
		enricher = search.NewEnricher(cfg.Search.FetchTopN, cfg.Search.FetchTimeout, 0)
	}
	searchChain := search.NewChain(searchers, registry, searchRetry, cfg.Resilience.SearchCallTimeout, enricher)
	searchChain.SetFallbackHook(func(provider string) {
		metrics.ProviderFallbacks.WithLabelValues("search", provider).Inc()
	})

	var store cache.Store = cache.Disabled{}
	if cfg.Cache.Enabled {
		if cfg.Cache.Redis.Host != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     fmt.Sprintf("%s:%d", cfg.Cache.Redis.Host, cfg.Cache.Redis.Port),
				Password: cfg.Cache.Redis.Password,
				DB:       cfg.Cache.Redis.DB,
			})
			store = cache.NewRedisStore(client)
		} else {
			store = cache.NewMemoryStore()
		}
	}

	credits := ledger.NewHTTPCreditService(cfg.Ledger.ServiceURL, cfg.Ledger.APIKey, registry, llmRetry, cfg.Resilience.CreditsCallTimeout)
	queue, err := buildPendingQueue(cfg)
	if err != nil {
		return fmt.Errorf("pending queue: %w", err)
	}
	led := ledger.New(credits, queue, cfg.Ledger.PendingExpiry)

	// Settle anything a previous process left behind, then keep
	// replaying in the background.
	ctx := context.Background()
	if settled, err := led.Replay(ctx); err != nil {
		log.Printf("[LEDGER] startup replay: %v", err)
	} else if settled > 0 {
		log.Printf("[LEDGER] startup replay settled %d finalizations", settled)
	}
	go led.RunReplayLoop(ctx, cfg.Ledger.ReplayInterval)

	orch := research.NewOrchestrator(research.Options{
		Agents:            research.NewAgents(chain),
		Searcher:          searchChain,
		Ledger:            led,
		Cache:             store,
		Metrics:           metrics,
		CacheTTL:          cfg.Cache.TTL,
		RoundTwoTimeout:   cfg.General.RoundTwoTimeout,
		MaxProcessingTime: cfg.General.MaxProcessingTime,
		MaxConcurrentRuns: cfg.General.MaxConcurrentRuns,
		MaxResults:        cfg.Search.MaxResults,
	})

	srv := New(orch, registry, metrics)
	return srv.Start(cfg.Server.Addr)
}

func applyRetryOverrides(p *resilience.RetryPolicy, maxRetries int, initial, max time.Duration, rc config.ResilienceConfig) {
	if maxRetries > 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.InitialDelay = initial
	}
	if max > 0 {
		p.MaxDelay = max
	}
	if rc.BackoffMultiplier > 0 {
		p.BackoffMultiplier = rc.BackoffMultiplier
	}
	if rc.JitterFactor > 0 {
		p.JitterFactor = rc.JitterFactor
	}
}

func buildPendingQueue(cfg *config.Config) (ledger.PendingQueue, error) {
	if cfg.Storage.Postgres.Host != "" || cfg.Storage.Postgres.URL != "" {
		dsn, err := cfg.Storage.Postgres.DSN()
		if err != nil {
			return nil, err
		}
		return ledger.OpenPGQueue(context.Background(), dsn)
	}
	dataDir := cfg.Storage.File.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	return ledger.NewFileQueue(dataDir + "/pending_finalizations.json")
}

// New assembles the HTTP layer over an already-wired orchestrator.
func New(orch *research.Orchestrator, registry *resilience.Registry, metrics *telemetry.Metrics) *Server {
	s := &Server{
		orchestrator: orch,
		registry:     registry,
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api")
	api.POST("/research", s.handleResearch)
	api.GET("/research/:id/status", s.handleStatus)
	api.GET("/breakers", s.handleBreakers)

	s.echo = e
	return s
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = ":10001"
	}
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// errorHandler renders every failure as structured JSON carrying the
// stable error kind and retry hint from the taxonomy.
func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		body["error"] = fmt.Sprint(he.Message)
	} else {
		typed := resilience.Classify(err)
		body["error"] = typed.Error()
		body["kind"] = string(typed.Kind)
		body["can_retry"] = typed.CanRetry
		if typed.RetryAfter > 0 {
			body["retry_after_seconds"] = int(typed.RetryAfter.Seconds())
		}
		code = statusForKind(typed.Kind)
	}

	req := c.Request()
	s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
	if !c.Response().Committed {
		_ = c.JSON(code, body)
	}
}

func statusForKind(kind resilience.Kind) int {
	switch kind {
	case resilience.KindQuotaInsufficient:
		return http.StatusPaymentRequired
	case resilience.KindRateLimited:
		return http.StatusTooManyRequests
	case resilience.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case resilience.KindTimeout:
		return http.StatusGatewayTimeout
	case resilience.KindValidation:
		return http.StatusBadRequest
	case resilience.KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

type researchRequest struct {
	Query             string `json:"query"`
	Mode              string `json:"mode,omitempty"`
	Tier              string `json:"tier,omitempty"`
	UserID            string `json:"user_id"`
	PreferredProvider string `json:"preferred_provider,omitempty"`
	MaxResults        int    `json:"max_results,omitempty"`
}

// handleResearch runs a query and streams progress and synthesis
// deltas as server-sent events, terminated by a result or error event.
func (s *Server) handleResearch(c echo.Context) error {
	var req researchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	mode := research.ModeDeep
	if req.Mode == string(research.ModeSimplified) {
		mode = research.ModeSimplified
	}

	runReq := research.Request{
		ID:                uuid.New().String(),
		Query:             req.Query,
		Mode:              mode,
		UserID:            req.UserID,
		Tier:              req.Tier,
		PreferredProvider: req.PreferredProvider,
		MaxResults:        req.MaxResults,
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	events := make(chan research.Event, 64)
	type runOut struct {
		result research.Result
		err    error
	}
	done := make(chan runOut, 1)
	go func() {
		result, err := s.orchestrator.Run(ctx, runReq, events)
		done <- runOut{result: result, err: err}
	}()

	writeEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data)
		res.Flush()
	}
	writeEvent("started", map[string]string{"id": runReq.ID})

	for {
		select {
		case ev := <-events:
			writeEvent("progress", ev)
		case out := <-done:
			// Drain progress already queued before the run finished.
			for drained := false; !drained; {
				select {
				case ev := <-events:
					writeEvent("progress", ev)
				default:
					drained = true
				}
			}
			if out.err != nil {
				if resilience.IsCancelled(out.err) {
					return nil
				}
				typed := resilience.Classify(out.err)
				writeEvent("error", map[string]any{
					"kind":      string(typed.Kind),
					"error":     typed.Error(),
					"can_retry": typed.CanRetry,
				})
				return nil
			}
			writeEvent("result", out.result)
			return nil
		case <-ctx.Done():
			// Client went away; the orchestrator sees the same context
			// and cancels its reservation on its own.
			return nil
		}
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	status, ok := s.orchestrator.Status(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run id")
	}
	return c.JSON(http.StatusOK, status)
}

// handleBreakers exposes breaker state for operators.
func (s *Server) handleBreakers(c echo.Context) error {
	stats := s.registry.Stats()
	out := make([]map[string]any, 0, len(stats))
	for _, st := range stats {
		out = append(out, map[string]any{
			"service":               st.Service,
			"state":                 st.State.String(),
			"consecutive_failures":  st.ConsecutiveFailures,
			"consecutive_successes": st.ConsecutiveSuccesses,
			"total_requests":        st.TotalRequests,
			"total_failures":        st.TotalFailures,
			"total_successes":       st.TotalSuccesses,
		})
	}
	return c.JSON(http.StatusOK, out)
}
