// Package planner turns a sanitized query into a retrieval plan: intent,
// web-search decision and query variations. The oracles are pluggable so
// model-backed classifiers can replace the built-in heuristics.
package planner

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/models"
)

// maxAugmentedQueries caps the variations kept from the augmenter, including
// the original query at index 0.
const maxAugmentedQueries = 3

// longQueryWords is the word count above which augmentation decomposes the
// query instead of rephrasing it.
const longQueryWords = 15

// IntentClassifier is the intent oracle.
type IntentClassifier interface {
	Classify(ctx context.Context, query string) (models.Intent, float64, error)
}

// SearchNeedDetector decides whether a query needs live web results.
type SearchNeedDetector interface {
	Detect(ctx context.Context, query string) (bool, string)
}

// AugmentMode selects the augmentation strategy.
type AugmentMode string

const (
	// AugmentFull rephrases the whole query.
	AugmentFull AugmentMode = "full"
	// AugmentDecompose splits a long query into sub-questions.
	AugmentDecompose AugmentMode = "decompose"
)

// QueryAugmenter generates query variations for multi-probe retrieval.
type QueryAugmenter interface {
	Augment(ctx context.Context, query string, intent models.Intent, mode AugmentMode) ([]string, error)
}

// Plan is the planner's output.
type Plan struct {
	OriginalQuery    string        `json:"original_query"`
	SanitizedQuery   string        `json:"sanitized_query"`
	AugmentedQueries []string      `json:"augmented_queries"`
	Intent           models.Intent `json:"intent"`
	IntentConfidence float64       `json:"intent_confidence"`
	AllowWebSearch   bool          `json:"allow_web_search"`
	NeedsWebSearch   bool          `json:"needs_web_search"`
	WebSearchReason  string        `json:"web_search_reason,omitempty"`
	TraceID          string        `json:"trace_id"`
}

// Config tunes the planner.
type Config struct {
	EnableWebSearch bool
	EnableAugment   bool
}

// Planner composes the three oracles.
type Planner struct {
	cfg        Config
	classifier IntentClassifier
	detector   SearchNeedDetector
	augmenter  QueryAugmenter
}

// New constructs a planner. Nil oracles fall back to the built-in heuristics.
func New(cfg Config, classifier IntentClassifier, detector SearchNeedDetector, augmenter QueryAugmenter) *Planner {
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	if detector == nil {
		detector = KeywordDetector{}
	}
	if augmenter == nil {
		augmenter = HeuristicAugmenter{}
	}
	return &Planner{cfg: cfg, classifier: classifier, detector: detector, augmenter: augmenter}
}

// ClassifyIntent runs the intent oracle with its failure default of
// (general, 0.5).
func (p *Planner) ClassifyIntent(ctx context.Context, traceID, query string) (models.Intent, float64) {
	intent, confidence, err := p.classifier.Classify(ctx, query)
	if err != nil {
		log.Warn().Err(err).Str("trace_id", traceID).Msg("Intent classification failed, defaulting to general")
		return models.IntentGeneral, 0.5
	}
	return intent, clamp01(confidence)
}

// Plan builds the query plan. allowWebSearch carries the preflight decision;
// the final needs_web_search is the conjunction of preflight, config and the
// detector verdict. Oracle failures degrade to safe defaults and never fail
// the plan.
func (p *Planner) Plan(ctx context.Context, traceID, originalQuery, sanitizedQuery string, allowWebSearch bool) Plan {
	intent, confidence := p.ClassifyIntent(ctx, traceID, sanitizedQuery)
	return p.PlanWithIntent(ctx, traceID, originalQuery, sanitizedQuery, allowWebSearch, intent, confidence)
}

// PlanWithIntent builds the plan for an already-classified intent, so a
// caller that classified early does not pay for a second oracle call.
func (p *Planner) PlanWithIntent(ctx context.Context, traceID, originalQuery, sanitizedQuery string, allowWebSearch bool, intent models.Intent, confidence float64) Plan {
	plan := Plan{
		OriginalQuery:  originalQuery,
		SanitizedQuery: sanitizedQuery,
		AllowWebSearch: allowWebSearch,
		TraceID:        traceID,
	}
	plan.Intent = intent
	plan.IntentConfidence = clamp01(confidence)

	if allowWebSearch && p.cfg.EnableWebSearch {
		needed, reason := p.detector.Detect(ctx, sanitizedQuery)
		plan.NeedsWebSearch = needed
		if needed {
			plan.WebSearchReason = reason
		}
	}

	plan.AugmentedQueries = p.augmented(ctx, traceID, sanitizedQuery, intent)

	log.Debug().
		Str("trace_id", traceID).
		Str("intent", string(intent)).
		Float64("confidence", plan.IntentConfidence).
		Bool("needs_web_search", plan.NeedsWebSearch).
		Int("variations", len(plan.AugmentedQueries)).
		Msg("Query plan built")

	return plan
}

// augmented returns the variation list with the original query at index 0,
// capped at maxAugmentedQueries.
func (p *Planner) augmented(ctx context.Context, traceID, query string, intent models.Intent) []string {
	out := []string{query}
	if !p.cfg.EnableAugment {
		return out
	}

	mode := AugmentFull
	if len(strings.Fields(query)) > longQueryWords {
		mode = AugmentDecompose
	}

	variations, err := p.augmenter.Augment(ctx, query, intent, mode)
	if err != nil {
		log.Warn().Err(err).Str("trace_id", traceID).Msg("Query augmentation failed, using original only")
		return out
	}

	seen := map[string]struct{}{query: {}}
	for _, v := range variations {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if len(out) >= maxAugmentedQueries {
			break
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
