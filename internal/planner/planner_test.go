package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/contextgate/contextgate/internal/models"
)

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (models.Intent, float64, error) {
	return "", 0, errors.New("model unavailable")
}

type fixedDetector struct {
	needed bool
	reason string
}

func (d fixedDetector) Detect(context.Context, string) (bool, string) {
	return d.needed, d.reason
}

type fixedAugmenter struct {
	variations []string
	err        error
}

func (a fixedAugmenter) Augment(context.Context, string, models.Intent, AugmentMode) ([]string, error) {
	return a.variations, a.err
}

func TestPlan_ClassifierFailureDefaultsToGeneral(t *testing.T) {
	p := New(Config{}, failingClassifier{}, nil, nil)
	plan := p.Plan(context.Background(), "abc123", "q", "q", true)
	if plan.Intent != models.IntentGeneral {
		t.Errorf("intent = %s, want general", plan.Intent)
	}
	if plan.IntentConfidence != 0.5 {
		t.Errorf("confidence = %.2f, want 0.5", plan.IntentConfidence)
	}
}

func TestPlan_WebSearchConjunction(t *testing.T) {
	detector := fixedDetector{needed: true, reason: "temporal cue"}

	// All three conditions hold.
	p := New(Config{EnableWebSearch: true}, nil, detector, nil)
	plan := p.Plan(context.Background(), "abc123", "q", "q", true)
	if !plan.NeedsWebSearch || plan.WebSearchReason != "temporal cue" {
		t.Errorf("expected web search, got needed=%v reason=%q", plan.NeedsWebSearch, plan.WebSearchReason)
	}

	// Preflight denied web search.
	plan = p.Plan(context.Background(), "abc123", "q", "q", false)
	if plan.NeedsWebSearch {
		t.Error("preflight denial must veto web search")
	}

	// Config disabled.
	p = New(Config{EnableWebSearch: false}, nil, detector, nil)
	plan = p.Plan(context.Background(), "abc123", "q", "q", true)
	if plan.NeedsWebSearch {
		t.Error("config must veto web search")
	}

	// Detector says no.
	p = New(Config{EnableWebSearch: true}, nil, fixedDetector{}, nil)
	plan = p.Plan(context.Background(), "abc123", "q", "q", true)
	if plan.NeedsWebSearch {
		t.Error("detector verdict must veto web search")
	}
}

func TestPlan_OriginalQueryAlwaysFirst(t *testing.T) {
	p := New(Config{EnableAugment: true}, nil, nil, fixedAugmenter{
		variations: []string{"variation one", "variation two", "variation three"},
	})
	plan := p.Plan(context.Background(), "abc123", "orig", "orig", false)
	if plan.AugmentedQueries[0] != "orig" {
		t.Errorf("first variation = %q, want the original query", plan.AugmentedQueries[0])
	}
	if len(plan.AugmentedQueries) != maxAugmentedQueries {
		t.Errorf("variations = %d, want cap %d", len(plan.AugmentedQueries), maxAugmentedQueries)
	}
}

func TestPlan_AugmenterFailureKeepsOriginal(t *testing.T) {
	p := New(Config{EnableAugment: true}, nil, nil, fixedAugmenter{err: errors.New("down")})
	plan := p.Plan(context.Background(), "abc123", "orig", "orig", false)
	if len(plan.AugmentedQueries) != 1 || plan.AugmentedQueries[0] != "orig" {
		t.Errorf("augmenter failure should leave only the original, got %v", plan.AugmentedQueries)
	}
}

func TestHeuristicClassifier(t *testing.T) {
	c := HeuristicClassifier{}
	cases := []struct {
		query string
		want  models.Intent
	}{
		{"what command starts the server", models.IntentTerminalCommand},
		{"write a function to parse YAML", models.IntentCodeGeneration},
		{"check my inbox for the invoice email", models.IntentEmail},
		{"what did I say about the migration", models.IntentMemoryQuery},
		{"hello there", models.IntentGeneral},
	}
	for _, tc := range cases {
		got, conf, err := c.Classify(context.Background(), tc.query)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.query, got, tc.want)
		}
		if conf < 0 || conf > 1 {
			t.Errorf("confidence %.2f out of range", conf)
		}
	}
}

func TestKeywordDetector(t *testing.T) {
	d := KeywordDetector{}
	if needed, reason := d.Detect(context.Background(), "what is the latest Go release"); !needed || reason == "" {
		t.Error("temporal cue should trigger web search")
	}
	if needed, _ := d.Detect(context.Background(), "search the web for zerolog benchmarks"); !needed {
		t.Error("explicit request should trigger web search")
	}
	// Internal-context phrases win even with a temporal cue present.
	if needed, _ := d.Detect(context.Background(), "what do I know about the latest deploy"); needed {
		t.Error("internal-context phrase must disable web search")
	}
	if needed, _ := d.Detect(context.Background(), "explain goroutine scheduling"); needed {
		t.Error("plain query should not trigger web search")
	}
}

func TestHeuristicAugmenter_Decompose(t *testing.T) {
	a := HeuristicAugmenter{}
	out, err := a.Augment(context.Background(), "install postgres on the host and then configure replication for the standby", models.IntentGeneral, AugmentDecompose)
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	if len(out) < 2 {
		t.Fatalf("decompose produced %d parts, want at least 2", len(out))
	}
	for _, v := range out {
		if strings.Contains(v, " and then ") {
			t.Errorf("part %q not decomposed", v)
		}
	}
}

func TestHeuristicAugmenter_FullStripsScaffolding(t *testing.T) {
	a := HeuristicAugmenter{}
	out, err := a.Augment(context.Background(), "how do I rotate TLS certificates?", models.IntentGeneral, AugmentFull)
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	if len(out) != 1 || out[0] != "rotate TLS certificates" {
		t.Errorf("full mode variation = %v", out)
	}
}
