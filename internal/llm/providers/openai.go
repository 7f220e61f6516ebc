package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/contextgate/contextgate/internal/llm"
)

// OpenAICompatible streams chat completions from any OpenAI-compatible API.
// It is an external agent: confidential context never reaches it.
type OpenAICompatible struct {
	name           string
	baseURL        string
	apiKey         string
	model          string
	costPerMillion float64
	client         *http.Client
}

// NewOpenAICompatible constructs a hosted-API agent. costPerMillion is the
// blended per-million-token price used for cost estimates.
func NewOpenAICompatible(name, baseURL, apiKey, model string, costPerMillion float64) *OpenAICompatible {
	return &OpenAICompatible{
		name:           name,
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		model:          model,
		costPerMillion: costPerMillion,
		client:         &http.Client{Timeout: 5 * time.Minute},
	}
}

func (a *OpenAICompatible) Name() string { return a.name }

func (a *OpenAICompatible) Metadata() llm.Metadata {
	return llm.Metadata{
		Name:           a.name,
		BestFor:        []string{"analysis", "creative", "research"},
		CostPerMillion: a.costPerMillion,
		IsLocal:        false,
		Model:          a.model,
	}
}

// EstimateCost prices the call at the blended per-million rate.
func (a *OpenAICompatible) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens+outputTokens) / 1_000_000 * a.costPerMillion
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *OpenAICompatible) newRequest(ctx context.Context, prompt string, stream bool) (*http.Request, error) {
	body, err := json.Marshal(chatRequest{
		Model:    a.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return req, nil
}

// Generate implements the non-streaming fallback.
func (a *OpenAICompatible) Generate(ctx context.Context, prompt string) (string, error) {
	req, err := a.newRequest(ctx, prompt, false)
	if err != nil {
		return "", err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat API returned status %d", resp.StatusCode)
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if payload.Error != nil {
		return "", fmt.Errorf("chat API error: %s", payload.Error.Message)
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}
	return payload.Choices[0].Message.Content, nil
}

// Stream implements llm.Streamer via server-sent events.
func (a *OpenAICompatible) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := a.newRequest(ctx, prompt, true)
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := a.client.Do(req)
		if err != nil {
			errs <- fmt.Errorf("chat request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("chat API returned status %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					return
				}
				continue
			}
			var payload chatResponse
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				errs <- fmt.Errorf("decode chat chunk: %w", err)
				return
			}
			if payload.Error != nil {
				errs <- fmt.Errorf("chat API error: %s", payload.Error.Message)
				return
			}
			if len(payload.Choices) == 0 {
				continue
			}
			if delta := payload.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("read chat stream: %w", err)
		}
	}()

	return chunks, errs
}
