// Package llm selects an agent for a query, builds the prompt and streams
// the completion, falling back across agents behind circuit breakers.
package llm

import (
	"context"
)

// Metadata describes an agent for selection and cost accounting.
type Metadata struct {
	Name           string          `json:"name"`
	BestFor        []string        `json:"best_for"`
	CostPerMillion float64         `json:"cost_per_million"`
	IsLocal        bool            `json:"is_local"`
	Model          string          `json:"model"`
}

// Agent is the minimal contract every backend satisfies. Streaming is a
// capability probed via the optional interfaces below.
type Agent interface {
	Name() string
	Metadata() Metadata
	// EstimateCost returns the dollar cost for a call of the given size.
	EstimateCost(inputTokens, outputTokens int) float64
	// Generate is the non-streaming fallback.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Streamer is the native-streaming capability. Implementations send chunks
// until done, then close the channel; a stream-level failure is reported on
// the error channel.
type Streamer interface {
	Stream(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

// estimateTokens approximates the token count of a prompt. Four characters
// per token tracks closely enough for cost accounting.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
