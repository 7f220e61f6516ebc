package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/contextgate/contextgate/internal/audit"
	"github.com/contextgate/contextgate/internal/hebbian"
	"github.com/contextgate/contextgate/internal/models"
	"github.com/contextgate/contextgate/internal/privacy"
	"github.com/contextgate/contextgate/internal/sanitize"
	"github.com/contextgate/contextgate/internal/websearch"
)

const (
	// maxDualMemoryVariations caps query variations fanned out to the cache
	// and knowledge tiers.
	maxDualMemoryVariations = 3
	// maxLegacyVariations caps query variations sent to the legacy tier.
	maxLegacyVariations = 2
	// minSourceChars is the smallest useful truncated source; anything below
	// is skipped rather than mangled.
	minSourceChars = 200
)

// TierSearcher searches one memory tier with an access filter applied at the
// store level. Implementations must honor the similarity threshold.
type TierSearcher interface {
	Search(ctx context.Context, query string, threshold float64, limit int, filter privacy.AccessFilter) ([]models.RetrievalSource, error)
}

// AssociationTracker is the co-retrieval hook; *hebbian.Tracker satisfies it.
type AssociationTracker interface {
	RecordCoRetrieval(sessionID string, retrievedIDs []string, topic string)
	GetAssociatedItems(itemID string, minStrength float64, limit int) ([]hebbian.Association, error)
}

// Config tunes the retrieval engine.
type Config struct {
	// PassthroughThreshold is the minimum top-ranked similarity to include
	// retrieved context at all.
	PassthroughThreshold float64
	// MaxContextChars bounds the assembled context.
	MaxContextChars int
	// AdaptiveThresholds selects mode-dependent thresholds; when false the
	// fixed default set is used for every query.
	AdaptiveThresholds bool
	// KnowledgePreflight checks the local tiers before an authorized web
	// search; a confident local hit skips the web call entirely.
	KnowledgePreflight bool
	// PreloadMinStrength and PreloadLimit tune the Hebbian association
	// preload on the best source.
	PreloadMinStrength float64
	PreloadLimit       int
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		PassthroughThreshold: 0.55,
		MaxContextChars:      6000,
		AdaptiveThresholds:   true,
		PreloadMinStrength:   0.3,
		PreloadLimit:         5,
	}
}

// Input carries everything one retrieval needs.
type Input struct {
	Query            string
	UserID           string
	Role             models.Role
	TenantID         string
	Intent           models.Intent
	Limit            int
	AugmentedQueries []string
	NeedsWebSearch   bool
	ConversationID   string
	IntentHint       models.RetrievalMode
	TraceID          string
}

// Result is the outcome of one retrieval.
type Result struct {
	Context                  string                 `json:"context"`
	SanitizedContext         string                 `json:"sanitized_context"`
	Sources                  []models.ScoredResult  `json:"sources"`
	CacheHits                int                    `json:"cache_hits"`
	KnowledgeHits            int                    `json:"knowledge_hits"`
	MemoryHits               int                    `json:"memory_hits"`
	WebHits                  int                    `json:"web_hits"`
	IsContextClean           bool                   `json:"is_context_clean"`
	SanitizationCount        int                    `json:"sanitization_count"`
	RetrievalMode            models.RetrievalMode   `json:"retrieval_mode"`
	ThresholdsUsed           models.ThresholdSet    `json:"thresholds_used"`
	AssociatedItemsPreloaded []hebbian.Association  `json:"associated_items_preloaded,omitempty"`
	CoRetrievalRecorded      bool                   `json:"co_retrieval_recorded"`
	WebSearchSkipped         bool                   `json:"web_search_skipped,omitempty"`
	TraceID                  string                 `json:"trace_id"`
}

// Engine fans a query out across the memory tiers and web search, filters,
// ranks and assembles the result into a sanitized context block.
type Engine struct {
	cfg       Config
	resolver  *ThresholdResolver
	cache     TierSearcher
	knowledge TierSearcher
	legacy    TierSearcher // nil when no legacy tier is configured
	web       websearch.Searcher
	tracker   AssociationTracker // nil disables co-retrieval
	sanitizer *sanitize.Sanitizer
	auditor   audit.Logger

	now func() time.Time
}

// NewEngine constructs a retrieval engine. The legacy searcher, web searcher
// and tracker may be nil.
func NewEngine(cfg Config, cache, knowledge, legacy TierSearcher, web websearch.Searcher, tracker AssociationTracker, sanitizer *sanitize.Sanitizer, auditor audit.Logger) *Engine {
	if cfg.PassthroughThreshold < 0.5 || cfg.PassthroughThreshold > 0.6 {
		cfg.PassthroughThreshold = DefaultConfig().PassthroughThreshold
	}
	if cfg.MaxContextChars < 4000 {
		cfg.MaxContextChars = DefaultConfig().MaxContextChars
	}
	if cfg.PreloadLimit <= 0 {
		cfg.PreloadLimit = DefaultConfig().PreloadLimit
	}
	if web == nil {
		web = websearch.Disabled{}
	}
	return &Engine{
		cfg:       cfg,
		resolver:  NewThresholdResolver(),
		cache:     cache,
		knowledge: knowledge,
		legacy:    legacy,
		web:       web,
		tracker:   tracker,
		sanitizer: sanitizer,
		auditor:   auditor,
		now:       time.Now,
	}
}

// Retrieve runs the retrieval sub-pipeline. Per-source search failures are
// logged and contribute zero results; Retrieve itself does not fail.
func (e *Engine) Retrieve(ctx context.Context, in Input) *Result {
	mode, thresholds := e.resolveThresholds(in)
	filter := privacy.BuildFilter(in.Role, in.UserID, in.TenantID)

	res := &Result{
		RetrievalMode:  mode,
		ThresholdsUsed: thresholds,
		TraceID:        in.TraceID,
		IsContextClean: true,
	}

	if in.NeedsWebSearch && e.cfg.KnowledgePreflight && e.knownLocally(ctx, in, thresholds, filter) {
		in.NeedsWebSearch = false
		res.WebSearchSkipped = true
		log.Debug().
			Str("trace_id", in.TraceID).
			Msg("Knowledge preflight hit, skipping web search")
	}

	merged := e.fanOut(ctx, in, thresholds, filter)

	// Defense in depth: the store already filters, but never trust it.
	kept, _ := privacy.FilterResults(in.TraceID, merged, filter)

	deduped := Dedup(kept)
	ranked := Rank(deduped, in.Intent, mode, e.now())

	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	res.Sources = ranked
	e.countHits(res, ranked)

	e.audit(in, res)

	if len(ranked) == 0 || ranked[0].Similarity < e.cfg.PassthroughThreshold {
		log.Debug().
			Str("trace_id", in.TraceID).
			Int("candidates", len(ranked)).
			Float64("threshold", e.cfg.PassthroughThreshold).
			Msg("Passthrough: answering without retrieved context")
		return res
	}

	e.coRetrieval(in, res, ranked)

	raw := e.buildContext(ranked)
	res.Context = raw

	sanitized := e.sanitizer.Sanitize(in.TraceID, raw)
	res.SanitizedContext = sanitize.Wrap(sanitized.SanitizedContext)
	res.IsContextClean = sanitized.IsClean
	res.SanitizationCount = len(sanitized.Detections)

	log.Debug().
		Str("trace_id", in.TraceID).
		Int("sources", len(ranked)).
		Int("cache_hits", res.CacheHits).
		Int("knowledge_hits", res.KnowledgeHits).
		Int("memory_hits", res.MemoryHits).
		Int("web_hits", res.WebHits).
		Bool("context_clean", res.IsContextClean).
		Msg("Retrieval completed")

	return res
}

// knownLocally checks the cache and knowledge tiers at the cache-grade bar.
// A single confident hit means the answer is already on hand and the web
// call would spend latency on nothing new. Tier errors count as unknown.
func (e *Engine) knownLocally(ctx context.Context, in Input, thresholds models.ThresholdSet, filter privacy.AccessFilter) bool {
	for _, tier := range []TierSearcher{e.cache, e.knowledge} {
		if tier == nil {
			continue
		}
		hits, err := tier.Search(ctx, in.Query, thresholds.Cache, 1, filter)
		if err != nil {
			continue
		}
		if len(hits) > 0 {
			return true
		}
	}
	return false
}

func (e *Engine) resolveThresholds(in Input) (models.RetrievalMode, models.ThresholdSet) {
	if !e.cfg.AdaptiveThresholds {
		return models.ModeDefault, FixedThresholds
	}
	return e.resolver.Resolve(in.TraceID, in.Query, in.IntentHint)
}

// fanOut searches all configured sources concurrently and merges results.
// Search errors degrade to empty results for that source.
func (e *Engine) fanOut(ctx context.Context, in Input, thresholds models.ThresholdSet, filter privacy.AccessFilter) []models.RetrievalSource {
	variations := queryVariations(in.Query, in.AugmentedQueries)

	var mu sync.Mutex
	var merged []models.RetrievalSource
	collect := func(sources []models.RetrievalSource) {
		if len(sources) == 0 {
			return
		}
		mu.Lock()
		merged = append(merged, sources...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	searchTier := func(name string, tier TierSearcher, query string, threshold float64) {
		g.Go(func() error {
			sources, err := tier.Search(gctx, query, threshold, in.Limit, filter)
			if err != nil {
				log.Warn().
					Err(err).
					Str("trace_id", in.TraceID).
					Str("tier", name).
					Msg("Tier search failed, continuing without it")
				return nil
			}
			collect(sources)
			return nil
		})
	}

	dual := variations
	if len(dual) > maxDualMemoryVariations {
		dual = dual[:maxDualMemoryVariations]
	}
	for _, q := range dual {
		searchTier("cache", e.cache, q, thresholds.Cache)
		searchTier("knowledge", e.knowledge, q, thresholds.Knowledge)
	}

	if e.legacy != nil {
		legacy := variations
		if len(legacy) > maxLegacyVariations {
			legacy = legacy[:maxLegacyVariations]
		}
		for _, q := range legacy {
			searchTier("legacy", e.legacy, q, thresholds.Raw)
		}
	}

	if in.NeedsWebSearch {
		g.Go(func() error {
			sources, err := e.web.Search(gctx, in.Query, websearch.MaxResults)
			if err != nil {
				log.Warn().
					Err(err).
					Str("trace_id", in.TraceID).
					Msg("Web search failed, continuing without it")
				return nil
			}
			collect(sources)
			return nil
		})
	}

	// Workers swallow their own errors, so Wait only blocks.
	_ = g.Wait()
	return merged
}

func (e *Engine) countHits(res *Result, ranked []models.ScoredResult) {
	for _, s := range ranked {
		switch s.SourceType {
		case models.SourceCache:
			res.CacheHits++
		case models.SourceKnowledge:
			res.KnowledgeHits++
		case models.SourceWeb:
			res.WebHits++
		default:
			res.MemoryHits++
		}
	}
}

// coRetrieval preloads associations of the best source and records the
// co-retrieval event over the final id set.
func (e *Engine) coRetrieval(in Input, res *Result, ranked []models.ScoredResult) {
	if e.tracker == nil {
		return
	}

	if best := ranked[0].ID; best != "" {
		assoc, err := e.tracker.GetAssociatedItems(best, e.cfg.PreloadMinStrength, e.cfg.PreloadLimit)
		if err != nil {
			log.Warn().Err(err).Str("trace_id", in.TraceID).Msg("Association preload failed")
		} else {
			res.AssociatedItemsPreloaded = assoc
		}
	}

	ids := make([]string, 0, len(ranked))
	for _, s := range ranked {
		if s.ID != "" {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) >= 2 {
		e.tracker.RecordCoRetrieval(in.ConversationID, ids, string(in.Intent))
		res.CoRetrievalRecorded = true
	}
}

// buildContext assembles the context block within the character budget,
// web sources first, then knowledge, cache, and memory. Oversized sources
// are truncated to the remaining budget.
func (e *Engine) buildContext(ranked []models.ScoredResult) string {
	order := []models.SourceType{models.SourceWeb, models.SourceKnowledge, models.SourceCache, models.SourceMemory}

	var b strings.Builder
	remaining := e.cfg.MaxContextChars
	for _, kind := range order {
		for _, s := range ranked {
			if s.SourceType != kind {
				continue
			}
			content := strings.TrimSpace(s.Content)
			if content == "" {
				continue
			}
			header := fmt.Sprintf("[%s | similarity %.2f]\n", s.SourceType, s.Similarity)
			need := len(header) + len(content) + 2
			if need > remaining {
				avail := remaining - len(header) - 2
				if avail < minSourceChars {
					continue
				}
				content = content[:avail] + "..."
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(header)
			b.WriteString(content)
			remaining = e.cfg.MaxContextChars - b.Len()
			if remaining <= 0 {
				return b.String()
			}
		}
	}
	return b.String()
}

// Rebuild reassembles and re-sanitizes the context from a reduced source
// set, used when sources must be dropped before an external agent call.
func (e *Engine) Rebuild(traceID string, res *Result, sources []models.ScoredResult) {
	res.Sources = sources
	res.CacheHits, res.KnowledgeHits, res.MemoryHits, res.WebHits = 0, 0, 0, 0
	e.countHits(res, sources)

	if len(sources) == 0 {
		res.Context, res.SanitizedContext = "", ""
		res.IsContextClean = true
		res.SanitizationCount = 0
		return
	}

	raw := e.buildContext(sources)
	res.Context = raw
	sanitized := e.sanitizer.Sanitize(traceID, raw)
	res.SanitizedContext = sanitize.Wrap(sanitized.SanitizedContext)
	res.IsContextClean = sanitized.IsClean
	res.SanitizationCount = len(sanitized.Detections)
}

func (e *Engine) audit(in Input, res *Result) {
	if e.auditor == nil {
		return
	}
	e.auditor.LogRetrieval(audit.RetrievalRecord{
		TraceID:  in.TraceID,
		UserID:   in.UserID,
		Role:     in.Role,
		TenantID: in.TenantID,
		ResultsPerTier: map[models.SourceType]int{
			models.SourceCache:     res.CacheHits,
			models.SourceKnowledge: res.KnowledgeHits,
			models.SourceMemory:    res.MemoryHits,
			models.SourceWeb:       res.WebHits,
		},
		Action: "retrieve",
	})
}

// queryVariations returns the original query followed by deduplicated
// augmented variations.
func queryVariations(query string, augmented []string) []string {
	out := []string{query}
	seen := map[string]struct{}{query: {}}
	for _, q := range augmented {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
