// Package memory assesses answer quality and persists results to the tiered
// memory stores with idempotent, per-tier-tolerant writes.
package memory

import (
	"strings"

	"github.com/contextgate/contextgate/internal/models"
)

// AssessQuality scores an answer against its question and sources. Each
// component lands in [0,1]; the tier decision downstream is monotonic in the
// overall score.
func AssessQuality(question, answer string, sources []models.ScoredResult) models.QualityScore {
	q := models.QualityScore{
		Relevance:     relevance(question, answer),
		Completeness:  completeness(answer),
		Accuracy:      accuracy(answer),
		SourceQuality: sourceQuality(sources),
	}
	q.Overall = 0.3*q.Relevance + 0.25*q.Completeness + 0.25*q.Accuracy + 0.2*q.SourceQuality
	return q
}

// relevance measures question-term coverage in the answer.
func relevance(question, answer string) float64 {
	terms := significantTerms(question)
	if len(terms) == 0 {
		return 0.5
	}
	lower := strings.ToLower(answer)
	hit := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			hit++
		}
	}
	score := float64(hit) / float64(len(terms))
	// Even a fully off-vocabulary answer can be relevant; floor at 0.3.
	if score < 0.3 {
		return 0.3
	}
	return score
}

// completeness rewards substantive answers and penalizes one-liners.
func completeness(answer string) float64 {
	words := len(strings.Fields(answer))
	switch {
	case words < 5:
		return 0.2
	case words < 20:
		return 0.5
	case words < 60:
		return 0.75
	case words < 400:
		return 0.9
	default:
		// Very long answers tend to pad.
		return 0.8
	}
}

// accuracy is a proxy signal: hedging and refusal phrasing lower confidence
// in the answer being factually usable.
func accuracy(answer string) float64 {
	lower := strings.ToLower(answer)
	score := 0.85
	for _, hedge := range []string{"i'm not sure", "i am not sure", "i don't know", "cannot help", "as an ai"} {
		if strings.Contains(lower, hedge) {
			score -= 0.25
			break
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// sourceQuality is the mean similarity of the supporting sources, neutral
// when the answer was generated without retrieval.
func sourceQuality(sources []models.ScoredResult) float64 {
	if len(sources) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, s := range sources {
		sum += s.Similarity
	}
	return sum / float64(len(sources))
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"do": {}, "does": {}, "did": {}, "how": {}, "what": {}, "why": {}, "when": {},
	"where": {}, "who": {}, "i": {}, "my": {}, "to": {}, "of": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "and": {}, "or": {}, "can": {}, "you": {},
}

func significantTerms(question string) []string {
	var out []string
	for _, word := range strings.Fields(strings.ToLower(question)) {
		word = strings.Trim(word, "?.,!:;\"'`")
		if len(word) < 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		out = append(out, word)
	}
	return out
}
