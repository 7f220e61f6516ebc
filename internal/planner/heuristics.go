package planner

import (
	"context"
	"regexp"
	"strings"

	"github.com/contextgate/contextgate/internal/models"
)

// HeuristicClassifier maps query shape to intent with keyword rules. It is
// the default oracle when no model-backed classifier is wired.
type HeuristicClassifier struct{}

var intentRules = []struct {
	intent models.Intent
	re     *regexp.Regexp
}{
	{models.IntentTerminalCommand, regexp.MustCompile(`(?i)\b(command|cli|shell|terminal|bash|run|execute|flag)\b`)},
	{models.IntentCodeGeneration, regexp.MustCompile(`(?i)\b(write|implement|refactor|function|class|snippet|code)\b`)},
	{models.IntentFileOperation, regexp.MustCompile(`(?i)\b(file|directory|folder|rename|move|delete|copy)\b`)},
	{models.IntentEmail, regexp.MustCompile(`(?i)\b(email|inbox|draft|reply|compose)\b`)},
	{models.IntentFinance, regexp.MustCompile(`(?i)\b(price|stock|invoice|budget|cost|payment|exchange\s+rate)\b`)},
	{models.IntentMemoryQuery, regexp.MustCompile(`(?i)\b(remember|what\s+did\s+i|last\s+time|previously|we\s+discussed)\b`)},
	{models.IntentResearch, regexp.MustCompile(`(?i)\b(research|sources|papers|compare|evidence|study)\b`)},
	{models.IntentAnalysis, regexp.MustCompile(`(?i)\b(analy[sz]e|breakdown|why\s+does|explain|root\s+cause)\b`)},
	{models.IntentCreative, regexp.MustCompile(`(?i)\b(poem|story|haiku|song|creative|brainstorm)\b`)},
}

// Classify implements IntentClassifier.
func (HeuristicClassifier) Classify(_ context.Context, query string) (models.Intent, float64, error) {
	for _, rule := range intentRules {
		if rule.re.MatchString(query) {
			return rule.intent, 0.7, nil
		}
	}
	return models.IntentGeneral, 0.5, nil
}

// KeywordDetector is the default web-search-need oracle: temporal cues,
// explicit search requests and dynamic topics trigger search, unless the
// query names the system's own data.
type KeywordDetector struct{}

var (
	temporalRE = regexp.MustCompile(`(?i)\b(today|latest|current|now|recent|this\s+(week|month|year)|breaking|news)\b`)
	explicitRE = regexp.MustCompile(`(?i)\b(search\s+(the\s+)?web|look\s+up\s+online|google)\b`)
	dynamicRE  = regexp.MustCompile(`(?i)\b(weather|stock\s+price|exchange\s+rate|release\s+date|score|schedule)\b`)

	// Phrases that identify the system's own data; these never need the web.
	internalContextPhrases = []string{
		"my notes",
		"my memory",
		"my conversations",
		"our previous",
		"what did i say",
		"what do i know",
		"from my history",
		"stored context",
	}
)

// Detect implements SearchNeedDetector.
func (KeywordDetector) Detect(_ context.Context, query string) (bool, string) {
	lower := strings.ToLower(query)
	for _, phrase := range internalContextPhrases {
		if strings.Contains(lower, phrase) {
			return false, ""
		}
	}
	switch {
	case explicitRE.MatchString(query):
		return true, "explicit search request"
	case temporalRE.MatchString(query):
		return true, "temporal cue"
	case dynamicRE.MatchString(query):
		return true, "dynamic topic"
	default:
		return false, ""
	}
}

// HeuristicAugmenter produces cheap lexical variations; a model-backed
// augmenter can replace it for real rephrasing.
type HeuristicAugmenter struct{}

var questionPrefixRE = regexp.MustCompile(`(?i)^(how\s+do\s+i|how\s+to|what\s+is|what\s+are|why\s+is|can\s+you|please)\s+`)

// Augment implements QueryAugmenter. In decompose mode the query is split on
// connective words; in full mode the question scaffolding is stripped to
// produce a keyword variant.
func (HeuristicAugmenter) Augment(_ context.Context, query string, _ models.Intent, mode AugmentMode) ([]string, error) {
	if mode == AugmentDecompose {
		parts := regexp.MustCompile(`(?i)\s+(?:and|then|also|after\s+that)\s+`).Split(query, -1)
		var out []string
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if len(strings.Fields(p)) >= 3 {
				out = append(out, p)
			}
		}
		return out, nil
	}

	stripped := strings.TrimSpace(questionPrefixRE.ReplaceAllString(query, ""))
	stripped = strings.TrimRight(stripped, "?")
	if stripped != "" && !strings.EqualFold(stripped, query) {
		return []string{stripped}, nil
	}
	return nil, nil
}
