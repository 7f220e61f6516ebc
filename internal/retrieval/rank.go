package retrieval

import (
	"sort"
	"time"

	"github.com/contextgate/contextgate/internal/models"
)

// CRS ranking weights. They sum to 1.0.
const (
	weightSimilarity  = 0.40
	weightSourceBoost = 0.20
	weightFreshness   = 0.15
	weightFeedback    = 0.15
	weightDiversity   = 0.10
)

// webTimeSensitiveBoost floats web results toward the top for intents where
// recency matters.
const webTimeSensitiveBoost = 0.10

// rawSourceBoost returns the 1.0-1.3x multiplier for a source's origin type.
// The raw multiplier is normalized into [0,1] before entering the weighted sum.
func rawSourceBoost(s models.RetrievalSource) float64 {
	kind := string(s.SourceType)
	if s.Metadata != nil {
		if v, ok := s.Metadata["source_type"].(string); ok && v != "" {
			kind = v
		}
	}
	switch kind {
	case "qa_pair":
		return 1.30
	case "conversation_turn":
		return 1.25
	case "conversation_thread":
		return 1.10
	case "cache":
		return 1.05
	default:
		return 1.00
	}
}

// sourceAge returns the age of a source from its created_at metadata, or a
// negative duration when unknown.
func sourceAge(s models.RetrievalSource, now time.Time) time.Duration {
	if s.Metadata == nil {
		return -1
	}
	switch v := s.Metadata["created_at"].(type) {
	case time.Time:
		return now.Sub(v)
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return now.Sub(ts)
		}
	}
	return -1
}

// timeSensitive reports whether recency should dominate freshness scoring.
func timeSensitive(intent models.Intent, mode models.RetrievalMode) bool {
	if mode == models.ModeTroubleshoot {
		return true
	}
	switch intent {
	case models.IntentTerminalCommand, models.IntentFinance, models.IntentEmail:
		return true
	default:
		return false
	}
}

// freshnessScore is intent-aware: recency-sensitive queries reward items
// newer than 7 days; evergreen queries treat freshness as neutral.
func freshnessScore(s models.RetrievalSource, intent models.Intent, mode models.RetrievalMode, now time.Time) float64 {
	if !timeSensitive(intent, mode) {
		return 0.5
	}
	age := sourceAge(s, now)
	if age < 0 {
		return 0.5
	}
	if age <= 7*24*time.Hour {
		return 1.0
	}
	// Linear decay to 0.2 over 90 days.
	days := age.Hours() / 24
	score := 1.0 - (days-7)/83*0.8
	if score < 0.2 {
		score = 0.2
	}
	return score
}

// feedbackScore reads the stored user-feedback signal, neutral when absent.
func feedbackScore(s models.RetrievalSource) float64 {
	if s.Metadata == nil {
		return 0.5
	}
	if v, ok := s.Metadata["feedback_score"].(float64); ok && v >= 0 && v <= 1 {
		return v
	}
	return 0.5
}

// Dedup removes duplicate sources by id, keeping the higher-similarity copy.
// Web sources without ids are exempt and pass through.
func Dedup(sources []models.RetrievalSource) []models.RetrievalSource {
	best := make(map[string]int, len(sources))
	out := make([]models.RetrievalSource, 0, len(sources))
	for _, s := range sources {
		if s.ID == "" {
			out = append(out, s)
			continue
		}
		if idx, seen := best[s.ID]; seen {
			if s.Similarity > out[idx].Similarity {
				out[idx] = s
			}
			continue
		}
		best[s.ID] = len(out)
		out = append(out, s)
	}
	return out
}

// Rank scores sources with the composite ranking formula and returns them in
// descending score order. The diversity term rewards the first occurrence of
// each source type to keep the context mix broad.
func Rank(sources []models.RetrievalSource, intent models.Intent, mode models.RetrievalMode, now time.Time) []models.ScoredResult {
	seenTypes := make(map[models.SourceType]int)
	results := make([]models.ScoredResult, 0, len(sources))

	// Score in input order so diversity is deterministic, then sort.
	ordered := make([]models.RetrievalSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Similarity > ordered[j].Similarity
	})

	for _, s := range ordered {
		diversity := 1.0 / float64(seenTypes[s.SourceType]+1)
		seenTypes[s.SourceType]++

		breakdown := models.ScoreBreakdown{
			Similarity:  s.Similarity,
			SourceBoost: (rawSourceBoost(s) - 1.0) / 0.3,
			Freshness:   freshnessScore(s, intent, mode, now),
			Feedback:    feedbackScore(s),
			Diversity:   diversity,
		}

		score := weightSimilarity*breakdown.Similarity +
			weightSourceBoost*breakdown.SourceBoost +
			weightFreshness*breakdown.Freshness +
			weightFeedback*breakdown.Feedback +
			weightDiversity*breakdown.Diversity

		if s.SourceType == models.SourceWeb && timeSensitive(intent, mode) {
			score += webTimeSensitiveBoost
		}

		results = append(results, models.ScoredResult{
			RetrievalSource: s,
			Score:           score,
			Breakdown:       breakdown,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}
