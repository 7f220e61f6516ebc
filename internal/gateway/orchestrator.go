package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/audit"
	"github.com/contextgate/contextgate/internal/llm"
	"github.com/contextgate/contextgate/internal/memory"
	"github.com/contextgate/contextgate/internal/metrics"
	"github.com/contextgate/contextgate/internal/models"
	"github.com/contextgate/contextgate/internal/planner"
	"github.com/contextgate/contextgate/internal/preflight"
	"github.com/contextgate/contextgate/internal/privacy"
	"github.com/contextgate/contextgate/internal/ratelimit"
	"github.com/contextgate/contextgate/internal/retrieval"
	"github.com/contextgate/contextgate/internal/sanitize"
	"github.com/contextgate/contextgate/internal/store"
	"github.com/contextgate/contextgate/internal/trace"
)

// eventBuffer bounds each request's event channel; producers block when the
// client cannot keep up.
const eventBuffer = 64

// Retriever is the retrieval engine surface the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, in retrieval.Input) *retrieval.Result
	Rebuild(traceID string, res *retrieval.Result, sources []models.ScoredResult)
}

// Streamer is the LLM coordinator surface.
type Streamer interface {
	Stream(ctx context.Context, in llm.Input) <-chan llm.Event
}

// AgentDirectory resolves which agent a request will use, for the external
// egress check.
type AgentDirectory interface {
	Select(intent models.Intent, manualAgent string) (llm.Agent, bool)
}

// MemoryPersister is the memory writer surface.
type MemoryPersister interface {
	Write(ctx context.Context, in memory.Input) (memory.Result, error)
}

// HistoryStore records answered queries.
type HistoryStore interface {
	InsertHistory(rec store.HistoryRecord) error
}

// EdgeFlusher drains pending co-retrieval edges at shutdown.
type EdgeFlusher interface {
	Flush() error
}

// DirectHandler serves intents whose canonical data lives outside the LLM
// (mailbox summaries, finance lookups). Handle returns the canonical answer.
type DirectHandler interface {
	CanHandle(intent models.Intent, query string) bool
	Handle(ctx context.Context, req models.Request, intent models.Intent) (string, error)
	Name() string
}

// Orchestrator wires the pipeline together. All collaborators are injected;
// there are no lazy globals.
type Orchestrator struct {
	gate      *preflight.Gate
	limiter   *ratelimit.Limiter
	planner   *planner.Planner
	retriever Retriever
	streamer  Streamer
	agents    AgentDirectory
	writer    MemoryPersister
	history   HistoryStore
	flusher   EdgeFlusher
	auditor   audit.Logger
	sanitizer *sanitize.Sanitizer
	direct    []DirectHandler

	modelVersion string

	writes sync.WaitGroup
	now    func() time.Time
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Gate         *preflight.Gate
	Limiter      *ratelimit.Limiter
	Planner      *planner.Planner
	Retriever    Retriever
	Streamer     Streamer
	Agents       AgentDirectory
	Writer       MemoryPersister
	History      HistoryStore
	Flusher      EdgeFlusher
	Auditor      audit.Logger
	Sanitizer    *sanitize.Sanitizer
	Direct       []DirectHandler
	ModelVersion string
}

// New constructs the orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		gate:         d.Gate,
		limiter:      d.Limiter,
		planner:      d.Planner,
		retriever:    d.Retriever,
		streamer:     d.Streamer,
		agents:       d.Agents,
		writer:       d.Writer,
		history:      d.History,
		flusher:      d.Flusher,
		auditor:      d.Auditor,
		sanitizer:    d.Sanitizer,
		direct:       d.Direct,
		modelVersion: d.ModelVersion,
		now:          time.Now,
	}
}

// Execute runs the pipeline for one request, emitting events in causal order
// on the returned channel. The channel closes after exactly one terminal
// event.
func (o *Orchestrator) Execute(ctx context.Context, req models.Request) <-chan Event {
	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		o.run(ctx, req, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, req models.Request, out chan<- Event) {
	started := o.now()
	traceID := trace.New()
	ctx = trace.WithID(ctx, traceID)

	log.Info().
		Str("trace_id", traceID).
		Str("user_id", req.UserID).
		Str("tenant_id", req.TenantID).
		Str("role", string(req.Role)).
		Int("query_len", len(req.Query)).
		Msg("Request received")
	if o.auditor != nil {
		o.auditor.LogIngress("gateway", "ask", 1, map[string]interface{}{"trace_id": traceID})
	}

	if err := req.Validate(); err != nil {
		o.terminate(out, started, errorEvent(StepPreflightGate, err.Error(), "invalid_request", nil))
		return
	}

	// Step 2: intent detection.
	intent, confidence := o.planner.ClassifyIntent(ctx, traceID, req.Query)
	out <- statusEvent(StepIntentDetection, fmt.Sprintf("Detected intent: %s", intent), map[string]interface{}{
		"intent":     string(intent),
		"confidence": confidence,
	})

	// Step 3: preflight.
	pf := o.gate.Check(traceID, req.Query, req.UserID)
	if pf.Decision == preflight.DecisionBlock {
		kind := ""
		if len(pf.Detections) > 0 {
			kind = string(pf.Detections[0].Type)
		}
		metrics.PreflightDecisionsTotal.WithLabelValues(string(pf.Decision), kind).Inc()

		// A blocked request still counts against the abuse window; the
		// limiter may turn this into a rate-limit rejection instead.
		if d := o.limiter.CheckAndRecord(req.UserID, true); !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(d.LimitKind).Inc()
			o.terminate(out, started, errorEvent(StepRateLimit, "Too many requests, slow down", d.LimitKind, map[string]interface{}{
				"retry_after":    d.RetryAfter.Seconds(),
				"window_seconds": o.limiter.Window().Seconds(),
			}))
			return
		}
		o.terminate(out, started, errorEvent(StepPreflightGate, pf.Reason, kind, nil))
		return
	}
	metrics.PreflightDecisionsTotal.WithLabelValues(string(pf.Decision), "").Inc()

	// Step 4: rate limit.
	if d := o.limiter.CheckOnly(req.UserID); !d.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(d.LimitKind).Inc()
		o.terminate(out, started, errorEvent(StepRateLimit, "Too many requests, slow down", d.LimitKind, map[string]interface{}{
			"retry_after":    d.RetryAfter.Seconds(),
			"window_seconds": o.limiter.Window().Seconds(),
		}))
		return
	}
	o.limiter.CheckAndRecord(req.UserID, false)

	query := pf.SanitizedQuery
	if query == "" {
		query = req.Query
	}

	// Step 5: direct-data shortcut.
	if o.tryDirect(ctx, req, intent, query, traceID, started, out) {
		return
	}

	// Steps 6-10 can fail in arbitrary ways; convert to a terminal error.
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("trace_id", traceID).
				Interface("panic", r).
				Msg("Pipeline panic recovered")
			o.terminate(out, started, errorEvent(StepAgentExecution, "Internal error while answering", "internal", nil))
		}
	}()

	// Step 6: plan.
	plan := o.planner.PlanWithIntent(ctx, traceID, req.Query, query, pf.AllowWebSearch, intent, confidence)

	// Step 7: retrieval.
	if plan.NeedsWebSearch {
		out <- statusEvent(StepWebSearch, "Searching the web", map[string]interface{}{"reason": plan.WebSearchReason})
	}
	out <- statusEvent(StepRetrieval, "Retrieving context", nil)
	res := o.retriever.Retrieve(ctx, retrieval.Input{
		Query:            query,
		UserID:           req.UserID,
		Role:             req.Role,
		TenantID:         req.TenantID,
		Intent:           plan.Intent,
		Limit:            req.EffectiveContextLimit(),
		AugmentedQueries: plan.AugmentedQueries,
		NeedsWebSearch:   plan.NeedsWebSearch,
		ConversationID:   req.ConversationID,
		TraceID:          traceID,
	})
	metrics.RetrievalHitsTotal.WithLabelValues("cache").Add(float64(res.CacheHits))
	metrics.RetrievalHitsTotal.WithLabelValues("knowledge").Add(float64(res.KnowledgeHits))
	metrics.RetrievalHitsTotal.WithLabelValues("memory").Add(float64(res.MemoryHits))
	metrics.RetrievalHitsTotal.WithLabelValues("web").Add(float64(res.WebHits))

	out <- statusEvent(StepContextAssembly, fmt.Sprintf("Assembled context from %d sources", len(res.Sources)), map[string]interface{}{
		"cache_hits":     res.CacheHits,
		"knowledge_hits": res.KnowledgeHits,
		"memory_hits":    res.MemoryHits,
		"web_hits":       res.WebHits,
		"retrieval_mode": string(res.RetrievalMode),
	})
	if res.SanitizationCount > 0 {
		metrics.SanitizationsTotal.Add(float64(res.SanitizationCount))
		out <- statusEvent(StepContextSanitization, "Removed suspicious content from retrieved context", map[string]interface{}{
			"sanitization_count": res.SanitizationCount,
		})
	}

	// Step 8: confidential content never reaches an external agent.
	agent, _ := o.agents.Select(plan.Intent, req.ManualAgent)
	if agent != nil && !agent.Metadata().IsLocal {
		o.dropExternalForbidden(traceID, res)
	}

	// Step 9: stream the completion.
	o.stream(ctx, req, plan, res, traceID, started, out)
}

// tryDirect serves the request from a direct-data handler when one claims
// the intent. Returns true when it emitted the terminal event.
func (o *Orchestrator) tryDirect(ctx context.Context, req models.Request, intent models.Intent, query, traceID string, started time.Time, out chan<- Event) bool {
	for _, h := range o.direct {
		if !h.CanHandle(intent, query) {
			continue
		}
		out <- statusEvent(StepDirectData, fmt.Sprintf("Fetching from %s", h.Name()), nil)
		answer, err := h.Handle(ctx, req, intent)
		if err != nil {
			log.Warn().
				Err(err).
				Str("trace_id", traceID).
				Str("handler", h.Name()).
				Msg("Direct handler failed, falling through to generation")
			return false
		}
		resp := &models.Response{
			QueryID:        newQueryID(),
			Answer:         answer,
			AgentUsed:      h.Name(),
			IntentDetected: intent,
			CacheStatus:    "direct",
			CreatedAt:      o.now(),
			LatencyMS:      o.now().Sub(started).Milliseconds(),
		}
		o.recordHistory(req, resp, "direct")
		o.terminate(out, started, doneEvent(resp))
		return true
	}
	return false
}

// injectedContext sanitizes caller-supplied conversation and file context.
// Injected text is as untrusted as retrieved content and passes through the
// same sanitizer before it can reach a prompt.
func (o *Orchestrator) injectedContext(traceID string, req models.Request, out chan<- Event) string {
	if o.sanitizer == nil {
		return ""
	}
	var blocks []string
	for _, part := range []struct{ label, text string }{
		{"conversation", req.ThreadContext},
		{"file", req.FileContext},
	} {
		if strings.TrimSpace(part.text) == "" {
			continue
		}
		cleaned := o.sanitizer.Sanitize(traceID, part.text)
		if n := len(cleaned.Detections); n > 0 {
			metrics.SanitizationsTotal.Add(float64(n))
			out <- statusEvent(StepContextSanitization, fmt.Sprintf("Removed suspicious content from %s context", part.label), map[string]interface{}{
				"sanitization_count": n,
			})
		}
		blocks = append(blocks, fmt.Sprintf("[%s]\n%s", part.label, cleaned.SanitizedContext))
	}
	if len(blocks) == 0 {
		return ""
	}
	return sanitize.Wrap(strings.Join(blocks, "\n\n"))
}

// dropExternalForbidden strips CONFIDENTIAL and LOCAL_ONLY sources from the
// context before it can reach a non-local agent.
func (o *Orchestrator) dropExternalForbidden(traceID string, res *retrieval.Result) {
	kept := res.Sources[:0:0]
	dropped := 0
	for _, s := range res.Sources {
		if s.SourceType != models.SourceWeb && !privacy.ShouldSendToExternalAPI(s.Privacy()) {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	if dropped == 0 {
		return
	}
	log.Info().
		Str("trace_id", traceID).
		Int("dropped", dropped).
		Msg("Dropped restricted sources before external agent call")
	o.retriever.Rebuild(traceID, res, kept)
}

// stream relays coordinator events and handles completion bookkeeping.
func (o *Orchestrator) stream(ctx context.Context, req models.Request, plan planner.Plan, res *retrieval.Result, traceID string, started time.Time, out chan<- Event) {
	contextBlock := res.SanitizedContext
	if extra := o.injectedContext(traceID, req, out); extra != "" {
		if contextBlock != "" {
			contextBlock += "\n\n"
		}
		contextBlock += extra
	}

	events := o.streamer.Stream(ctx, llm.Input{
		Question:    plan.SanitizedQuery,
		Context:     contextBlock,
		Intent:      plan.Intent,
		ManualAgent: req.ManualAgent,
		TraceID:     traceID,
	})

	for ev := range events {
		switch ev.Type {
		case llm.EventStarted:
			out <- statusEvent(StepGeneration, fmt.Sprintf("Generating with %s", ev.Agent), map[string]interface{}{"agent": ev.Agent})
		case llm.EventToken:
			out <- chunkEvent(ev.Content)
		case llm.EventThinking:
			metrics.AgentFallbacksTotal.WithLabelValues(ev.Agent).Inc()
			out <- statusEvent(StepAgentFallback, ev.Content, map[string]interface{}{"agent": ev.Agent})
		case llm.EventCompleted:
			metrics.TokensStreamedTotal.WithLabelValues(ev.Agent).Add(float64(ev.TokenCount))
			metrics.CostUSDTotal.WithLabelValues(ev.Agent).Add(ev.CostUSD)
			resp := &models.Response{
				QueryID:        newQueryID(),
				Answer:         ev.Content,
				AgentUsed:      ev.Agent,
				IntentDetected: plan.Intent,
				CacheStatus:    "miss",
				FromCache:      false,
				CostUSD:        ev.CostUSD,
				LatencyMS:      o.now().Sub(started).Milliseconds(),
				CreatedAt:      o.now(),
			}
			// Step 10: persist without blocking the stream.
			o.scheduleWrite(req, plan, res, resp, traceID)
			o.recordHistory(req, resp, ev.Agent)
			o.terminate(out, started, doneEvent(resp))
			return
		case llm.EventError:
			o.terminate(out, started, errorEvent(StepAgentExecution, ev.Err, "generation_failed", nil))
			return
		}
	}

	// A closed stream without a terminal event is a coordinator bug; still
	// honor the single-terminal guarantee.
	o.terminate(out, started, errorEvent(StepAgentExecution, "Answer stream ended unexpectedly", "internal", nil))
}

// scheduleWrite fires the tiered memory write in the background. Writes are
// drained on Shutdown, not cancelled with the request.
func (o *Orchestrator) scheduleWrite(req models.Request, plan planner.Plan, res *retrieval.Result, resp *models.Response, traceID string) {
	if o.writer == nil {
		return
	}
	o.writes.Add(1)
	go func() {
		defer o.writes.Done()
		wres, err := o.writer.Write(context.Background(), memory.Input{
			Question:     plan.OriginalQuery,
			Answer:       resp.Answer,
			Sources:      res.Sources,
			UserID:       req.UserID,
			TenantID:     req.TenantID,
			ModelVersion: o.modelVersion,
			AgentUsed:    resp.AgentUsed,
			CostUSD:      resp.CostUSD,
			TraceID:      traceID,
		})
		if err != nil {
			metrics.MemoryWritesTotal.WithLabelValues("raw", "error").Inc()
			log.Warn().Err(err).Str("trace_id", traceID).Msg("Memory write failed")
			return
		}
		result := "written"
		if wres.WasDuplicate {
			result = "duplicate"
		}
		metrics.MemoryWritesTotal.WithLabelValues(string(wres.Tier), result).Inc()
	}()
}

func (o *Orchestrator) recordHistory(req models.Request, resp *models.Response, source string) {
	if o.history == nil {
		return
	}
	err := o.history.InsertHistory(store.HistoryRecord{
		QueryID:        resp.QueryID,
		UserID:         req.UserID,
		Question:       req.Query,
		Answer:         resp.Answer,
		ResponseSource: source,
		FromCache:      resp.FromCache,
		CostUSD:        resp.CostUSD,
		LatencyMS:      resp.LatencyMS,
		CreatedAt:      resp.CreatedAt,
	})
	if err != nil {
		log.Warn().Err(err).Str("query_id", resp.QueryID).Msg("Failed to record query history")
	}
}

func (o *Orchestrator) terminate(out chan<- Event, started time.Time, ev Event) {
	switch ev.Type {
	case EventDone:
		metrics.RequestsTotal.WithLabelValues("done").Inc()
	case EventError:
		metrics.RequestsTotal.WithLabelValues(ev.Step).Inc()
	}
	metrics.RequestDuration.Observe(o.now().Sub(started).Seconds())
	out <- ev
}

// Shutdown drains in-flight memory writes and pending co-retrieval edges,
// bounded by the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Shutdown deadline reached with memory writes in flight")
		return ctx.Err()
	}
	if o.flusher != nil {
		if err := o.flusher.Flush(); err != nil {
			return fmt.Errorf("flush co-retrieval edges: %w", err)
		}
	}
	return nil
}

func newQueryID() string {
	return ulid.Make().String()
}
