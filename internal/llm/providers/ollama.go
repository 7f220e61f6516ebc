// Package providers implements the LLM agent backends: a local Ollama client
// and an OpenAI-compatible client for hosted APIs.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/contextgate/contextgate/internal/llm"
)

// Ollama streams completions from a local Ollama server. Local agents cost
// nothing and may receive confidential context.
type Ollama struct {
	name    string
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama constructs an Ollama agent.
func NewOllama(name, baseURL, model string) *Ollama {
	return &Ollama{
		name:    name,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (o *Ollama) Name() string { return o.name }

func (o *Ollama) Metadata() llm.Metadata {
	return llm.Metadata{
		Name:           o.name,
		BestFor:        []string{"terminal_command", "code_generation", "memory_query"},
		CostPerMillion: 0,
		IsLocal:        true,
		Model:          o.model,
	}
}

// EstimateCost is always zero for a local model.
func (o *Ollama) EstimateCost(_, _ int) float64 { return 0 }

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate implements the non-streaming fallback.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaRequest{Model: o.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var chunk ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if chunk.Error != "" {
		return "", fmt.Errorf("ollama error: %s", chunk.Error)
	}
	return chunk.Response, nil
}

// Stream implements llm.Streamer via Ollama's NDJSON streaming endpoint.
func (o *Ollama) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(ollamaRequest{Model: o.model, Prompt: prompt, Stream: true})
		if err != nil {
			errs <- fmt.Errorf("marshal ollama request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("build ollama request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			errs <- fmt.Errorf("ollama request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("ollama returned status %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errs <- fmt.Errorf("decode ollama chunk: %w", err)
				return
			}
			if chunk.Error != "" {
				errs <- fmt.Errorf("ollama error: %s", chunk.Error)
				return
			}
			if chunk.Response != "" {
				select {
				case chunks <- chunk.Response:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("read ollama stream: %w", err)
		}
	}()

	return chunks, errs
}
