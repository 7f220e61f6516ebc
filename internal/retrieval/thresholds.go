// Package retrieval finds, ranks and assembles supporting context for a
// query from the memory tiers and web search.
package retrieval

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/models"
)

// FixedThresholds is used when adaptive thresholds are disabled.
var FixedThresholds = models.ThresholdSet{Cache: 0.95, Raw: 0.85, Knowledge: 0.60}

// thresholdTable maps each retrieval mode to its similarity thresholds.
// Exact recall runs pattern separation (high thresholds); conceptual
// exploration runs pattern completion (low thresholds).
var thresholdTable = map[models.RetrievalMode]models.ThresholdSet{
	models.ModeExactRecall:       {Cache: 0.96, Raw: 0.90, Knowledge: 0.80},
	models.ModeConceptualExplore: {Cache: 0.92, Raw: 0.75, Knowledge: 0.55},
	models.ModeTroubleshoot:      {Cache: 0.94, Raw: 0.82, Knowledge: 0.65},
	models.ModeCompare:           {Cache: 0.93, Raw: 0.78, Knowledge: 0.60},
	models.ModeDefault:           {Cache: 0.95, Raw: 0.85, Knowledge: 0.60},
}

var (
	exactRecallRE = regexp.MustCompile(`(?i)\b(what\s+was\s+the\s+exact|exact\s+(command|phrase|wording|text)|command\s+i\s+(used|ran|typed)|verbatim)\b`)
	exploreRE     = regexp.MustCompile(`(?i)\b(what\s+do\s+i\s+know\s+about|anything\s+(on|about)|tell\s+me\s+(everything|all)\s+about|overview\s+of)\b`)
	troubleRE     = regexp.MustCompile(`(?i)\b(why\s+is\s+.{1,60}\s+(failing|broken|crashing|erroring)|not\s+working|error|exception|stack\s*trace|failed\s+with)\b`)
	compareRE     = regexp.MustCompile(`(?i)\b(difference\s+between|compare[d]?\s+(to|with)?|versus)\b|\bvs\.?\b`)
	quotedRE      = regexp.MustCompile(`"[^"]{3,}"|` + "`[^`]{3,}`")
)

// ThresholdResolver derives adaptive thresholds from query shape.
type ThresholdResolver struct{}

// NewThresholdResolver constructs a resolver.
func NewThresholdResolver() *ThresholdResolver {
	return &ThresholdResolver{}
}

// Mode classifies the query's retrieval mode. A non-empty hint wins over the
// textual cues.
func (r *ThresholdResolver) Mode(query string, hint models.RetrievalMode) models.RetrievalMode {
	if hint != "" && hint != models.ModeDefault {
		if _, ok := thresholdTable[hint]; ok {
			return hint
		}
	}

	q := strings.TrimSpace(query)
	switch {
	case exactRecallRE.MatchString(q) || quotedRE.MatchString(q):
		return models.ModeExactRecall
	case troubleRE.MatchString(q):
		return models.ModeTroubleshoot
	case compareRE.MatchString(q):
		return models.ModeCompare
	case exploreRE.MatchString(q):
		return models.ModeConceptualExplore
	default:
		return models.ModeDefault
	}
}

// Resolve returns the thresholds for the query, logged against the trace id.
func (r *ThresholdResolver) Resolve(traceID, query string, hint models.RetrievalMode) (models.RetrievalMode, models.ThresholdSet) {
	mode := r.Mode(query, hint)
	set := thresholdTable[mode]

	log.Debug().
		Str("trace_id", traceID).
		Str("retrieval_mode", string(mode)).
		Float64("cache", set.Cache).
		Float64("raw", set.Raw).
		Float64("knowledge", set.Knowledge).
		Msg("Resolved adaptive thresholds")

	return mode, set
}
