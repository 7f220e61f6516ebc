package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/contextgate/contextgate/internal/circuit"
	"github.com/contextgate/contextgate/internal/models"
)

type fakeAgent struct {
	name    string
	answer  string
	err     error
	calls   int
	stream  bool
	perTok  []string
	costPer float64
}

func (f *fakeAgent) Name() string { return f.name }

func (f *fakeAgent) Metadata() Metadata {
	return Metadata{Name: f.name, CostPerMillion: f.costPer}
}

func (f *fakeAgent) EstimateCost(in, out int) float64 {
	return float64(in+out) / 1_000_000 * f.costPer
}

func (f *fakeAgent) Generate(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.answer, f.err
}

type streamingAgent struct {
	fakeAgent
}

func (s *streamingAgent) Stream(_ context.Context, _ string) (<-chan string, <-chan error) {
	s.calls++
	chunks := make(chan string, len(s.perTok))
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if s.err != nil {
			errs <- s.err
			return
		}
		for _, tok := range s.perTok {
			chunks <- tok
		}
	}()
	return chunks, errs
}

func collect(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func newTestCoordinator(agents ...Agent) (*Coordinator, *Registry, *circuit.Registry) {
	var fallbacks []string
	for _, a := range agents[1:] {
		fallbacks = append(fallbacks, a.Name())
	}
	reg := NewRegistry(agents[0].Name(), fallbacks, nil)
	for _, a := range agents {
		reg.Register(a)
	}
	breakers := circuit.NewRegistry(circuit.DefaultConfig())
	return NewCoordinator(Config{SystemPrompt: "You are a helpful assistant."}, reg, breakers), reg, breakers
}

func TestStream_HappyPathEventOrder(t *testing.T) {
	agent := &streamingAgent{fakeAgent: fakeAgent{name: "local", perTok: []string{"hel", "lo"}}}
	c, _, _ := newTestCoordinator(agent)

	events := collect(c.Stream(context.Background(), Input{Question: "q", TraceID: "abc123"}))

	if events[0].Type != EventStarted || events[0].Agent != "local" {
		t.Fatalf("first event = %+v, want started", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventCompleted || !last.IsFinal {
		t.Fatalf("last event = %+v, want final completed", last)
	}
	if last.Content != "hello" {
		t.Errorf("completed content = %q, want full answer", last.Content)
	}

	// Token counts are monotonically non-decreasing.
	prev := 0
	for _, e := range events {
		if e.Type != EventToken {
			continue
		}
		if e.TokenCount < prev {
			t.Errorf("token count decreased: %d after %d", e.TokenCount, prev)
		}
		prev = e.TokenCount
	}
}

func TestStream_ExactlyOneTerminalEvent(t *testing.T) {
	agent := &fakeAgent{name: "a", err: errors.New("down")}
	c, _, _ := newTestCoordinator(agent)

	events := collect(c.Stream(context.Background(), Input{Question: "q", TraceID: "abc123"}))

	terminals := 0
	for _, e := range events {
		if e.Type == EventCompleted || e.Type == EventError {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminals)
	}
}

func TestStream_FallbackWithThinkingEvent(t *testing.T) {
	primary := &fakeAgent{name: "a", err: errors.New("agent a down")}
	backup := &fakeAgent{name: "b", answer: "recovered"}
	c, _, _ := newTestCoordinator(primary, backup)

	events := collect(c.Stream(context.Background(), Input{Question: "q", TraceID: "abc123"}))

	var sawThinking bool
	for _, e := range events {
		if e.Type == EventThinking {
			sawThinking = true
			if !strings.Contains(e.Content, "Switching to b") {
				t.Errorf("thinking content = %q", e.Content)
			}
		}
	}
	if !sawThinking {
		t.Error("fallback switch should emit a thinking event")
	}
	last := events[len(events)-1]
	if last.Type != EventCompleted || last.Agent != "b" || last.Content != "recovered" {
		t.Errorf("last event = %+v, want completion from b", last)
	}
}

func TestStream_OpenBreakerSkipsAgent(t *testing.T) {
	primary := &fakeAgent{name: "a", answer: "never"}
	backup := &fakeAgent{name: "b", answer: "served by b"}
	c, _, breakers := newTestCoordinator(primary, backup)

	// Trip a's breaker.
	b := breakers.Get("a")
	for i := 0; i < 5; i++ {
		b.RecordFailure(errors.New("down"))
	}

	events := collect(c.Stream(context.Background(), Input{Question: "q", TraceID: "abc123"}))

	if primary.calls != 0 {
		t.Errorf("agent behind open breaker was called %d times", primary.calls)
	}
	if events[0].Type != EventStarted || events[0].Agent != "a" {
		t.Errorf("first event = %+v, want started for the selected agent", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventCompleted || last.Agent != "b" {
		t.Errorf("last event = %+v, want completion from b", last)
	}
}

func TestStream_AllAgentsUnavailable(t *testing.T) {
	a := &fakeAgent{name: "a", err: errors.New("down")}
	b := &fakeAgent{name: "b", err: errors.New("also down")}
	c, _, _ := newTestCoordinator(a, b)

	events := collect(c.Stream(context.Background(), Input{Question: "q", TraceID: "abc123"}))

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %+v, want error", last)
	}
	if last.Err != "All LLM agents unavailable" {
		t.Errorf("error = %q", last.Err)
	}
}

func TestStream_ManualOverride(t *testing.T) {
	routed := &fakeAgent{name: "routed", answer: "from routed"}
	manual := &fakeAgent{name: "manual", answer: "from manual"}
	reg := NewRegistry("routed", nil, map[models.Intent]string{models.IntentGeneral: "routed"})
	reg.Register(routed)
	reg.Register(manual)
	c := NewCoordinator(Config{}, reg, circuit.NewRegistry(circuit.DefaultConfig()))

	events := collect(c.Stream(context.Background(), Input{
		Question: "q", Intent: models.IntentGeneral, ManualAgent: "manual", TraceID: "abc123",
	}))
	if events[0].Agent != "manual" {
		t.Errorf("started agent = %q, want manual override", events[0].Agent)
	}

	// Unknown override falls back to selection.
	events = collect(c.Stream(context.Background(), Input{
		Question: "q", Intent: models.IntentGeneral, ManualAgent: "ghost", TraceID: "abc123",
	}))
	if events[0].Agent != "routed" {
		t.Errorf("started agent = %q, want routed", events[0].Agent)
	}
}

func TestStream_NonStreamingAgentEmitsSingleToken(t *testing.T) {
	agent := &fakeAgent{name: "plain", answer: "whole answer"}
	c, _, _ := newTestCoordinator(agent)

	events := collect(c.Stream(context.Background(), Input{Question: "q", TraceID: "abc123"}))

	tokens := 0
	for _, e := range events {
		if e.Type == EventToken {
			tokens++
			if e.Content != "whole answer" {
				t.Errorf("token content = %q", e.Content)
			}
		}
	}
	if tokens != 1 {
		t.Errorf("token events = %d, want 1", tokens)
	}
}

func TestBuildPrompt_TruncatesContext(t *testing.T) {
	c := NewCoordinator(Config{SystemPrompt: "sys", MaxContextChars: 100},
		NewRegistry("a", nil, nil), circuit.NewRegistry(circuit.DefaultConfig()))

	prompt := c.BuildPrompt(Input{Question: "q", Context: strings.Repeat("x", 500)})
	if !strings.Contains(prompt, "[Context truncated...]") {
		t.Error("over-budget context should carry the truncation marker")
	}
	if !strings.HasPrefix(prompt, "sys") {
		t.Error("prompt should start with the system prompt")
	}
	if !strings.HasSuffix(prompt, "Question: q") {
		t.Error("prompt should end with the question")
	}

	prompt = c.BuildPrompt(Input{Question: "q", Context: "short"})
	if strings.Contains(prompt, "[Context truncated...]") {
		t.Error("within-budget context must not carry the marker")
	}
}
