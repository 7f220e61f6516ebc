package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/circuit"
	"github.com/contextgate/contextgate/internal/models"
)

// ErrAllAgentsUnavailable is emitted when the primary and every fallback
// agent fail or have open breakers.
var ErrAllAgentsUnavailable = errors.New("All LLM agents unavailable")

// truncationMarker closes an over-budget context block.
const truncationMarker = "\n[Context truncated...]"

// EventType tags the coordinator's stream events.
type EventType string

const (
	EventStarted   EventType = "started"
	EventToken     EventType = "token"
	EventThinking  EventType = "thinking"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Event is one entry in the completion stream. Exactly one terminal event
// (completed or error) closes every stream.
type Event struct {
	Type       EventType `json:"type"`
	Agent      string    `json:"agent,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	TokenCount int       `json:"token_count,omitempty"`
	IsFinal    bool      `json:"is_final,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	Err        string    `json:"error,omitempty"`
}

// Config tunes the coordinator.
type Config struct {
	SystemPrompt    string
	MaxContextChars int
}

// Coordinator streams completions with per-agent circuit breakers and a
// fallback chain.
type Coordinator struct {
	cfg      Config
	registry *Registry
	breakers *circuit.Registry
}

// NewCoordinator constructs a coordinator over the agent and breaker
// registries.
func NewCoordinator(cfg Config, registry *Registry, breakers *circuit.Registry) *Coordinator {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 6000
	}
	return &Coordinator{cfg: cfg, registry: registry, breakers: breakers}
}

// Input carries one completion request.
type Input struct {
	Question    string
	Context     string // sanitized, already wrapped in delimiters
	Intent      models.Intent
	ManualAgent string
	TraceID     string
}

// BuildPrompt assembles system prompt, truncated context and question.
func (c *Coordinator) BuildPrompt(in Input) string {
	var b strings.Builder
	if c.cfg.SystemPrompt != "" {
		b.WriteString(c.cfg.SystemPrompt)
		b.WriteString("\n\n")
	}
	if ctx := in.Context; ctx != "" {
		if len(ctx) > c.cfg.MaxContextChars {
			ctx = ctx[:c.cfg.MaxContextChars] + truncationMarker
		}
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(in.Question)
	return b.String()
}

// Stream selects an agent and streams the completion as events. The returned
// channel is closed after exactly one terminal event. Agent failures record
// on the breaker and advance through the fallback chain with a thinking
// event per switch.
func (c *Coordinator) Stream(ctx context.Context, in Input) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)

		primary, ok := c.registry.Select(in.Intent, in.ManualAgent)
		if !ok {
			out <- Event{Type: EventError, Err: ErrAllAgentsUnavailable.Error()}
			return
		}

		candidates := append([]Agent{primary}, c.registry.FallbackChain(primary.Name())...)
		prompt := c.BuildPrompt(in)

		// Started names the selected agent even when its breaker forces an
		// immediate fallback; switches are announced with thinking events.
		out <- Event{Type: EventStarted, Agent: primary.Name(), TraceID: in.TraceID}

		for i, agent := range candidates {
			if i > 0 {
				out <- Event{
					Type:    EventThinking,
					Agent:   agent.Name(),
					Content: fmt.Sprintf("Switching to %s", agent.Name()),
				}
			}
			if c.tryAgent(ctx, agent, prompt, in, out) {
				return
			}
			if ctx.Err() != nil {
				out <- Event{Type: EventError, Agent: agent.Name(), Err: ctx.Err().Error()}
				return
			}
		}

		out <- Event{Type: EventError, Err: ErrAllAgentsUnavailable.Error()}
	}()
	return out
}

// tryAgent runs one agent under its breaker. It returns true when a terminal
// completed event was emitted; false means the caller should try the next
// candidate.
func (c *Coordinator) tryAgent(ctx context.Context, agent Agent, prompt string, in Input, out chan<- Event) bool {
	breaker := c.breakers.Get(agent.Name())

	if !breaker.Allow() {
		log.Debug().
			Str("trace_id", in.TraceID).
			Str("agent", agent.Name()).
			Dur("retry_after", breaker.RetryAfter()).
			Msg("Agent breaker open, skipping")
		return false
	}

	content, tokens, err := c.run(ctx, agent, prompt, out)
	if err != nil {
		breaker.RecordFailure(err)
		log.Warn().
			Err(err).
			Str("trace_id", in.TraceID).
			Str("agent", agent.Name()).
			Msg("Agent call failed")
		return false
	}

	breaker.RecordSuccess()
	out <- Event{
		Type:       EventCompleted,
		Agent:      agent.Name(),
		TraceID:    in.TraceID,
		Content:    content,
		TokenCount: tokens,
		IsFinal:    true,
		CostUSD:    agent.EstimateCost(estimateTokens(prompt), tokens),
	}
	return true
}

// run streams from the agent when it can, otherwise falls back to a single
// generate call emitted as one token event.
func (c *Coordinator) run(ctx context.Context, agent Agent, prompt string, out chan<- Event) (string, int, error) {
	if streamer, ok := agent.(Streamer); ok {
		return c.consumeStream(ctx, agent.Name(), streamer, prompt, out)
	}

	content, err := agent.Generate(ctx, prompt)
	if err != nil {
		return "", 0, err
	}
	tokens := estimateTokens(content)
	out <- Event{Type: EventToken, Agent: agent.Name(), Content: content, TokenCount: tokens}
	return content, tokens, nil
}

func (c *Coordinator) consumeStream(ctx context.Context, name string, streamer Streamer, prompt string, out chan<- Event) (string, int, error) {
	chunks, errs := streamer.Stream(ctx, prompt)

	var full strings.Builder
	tokens := 0
	for chunk := range chunks {
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		tokens += estimateTokens(chunk)
		out <- Event{Type: EventToken, Agent: name, Content: chunk, TokenCount: tokens}
	}
	if err := <-errs; err != nil {
		return "", 0, err
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	return full.String(), tokens, nil
}
