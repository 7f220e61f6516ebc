// Package websearch defines the web-search provider contract and an
// HTTP-backed client. Provider specifics stay behind the Searcher interface.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/models"
)

// MaxResults caps how many web results one query may contribute.
const MaxResults = 5

// Searcher is the provider contract.
type Searcher interface {
	// Search returns up to limit results for the query.
	Search(ctx context.Context, query string, limit int) ([]models.RetrievalSource, error)
}

// HTTPClient queries a JSON search endpoint (SearxNG-compatible shape).
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient constructs a client with the per-call deadline the pipeline
// expects from web search.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements Searcher.
func (c *HTTPClient) Search(ctx context.Context, query string, limit int) ([]models.RetrievalSource, error) {
	if limit <= 0 || limit > MaxResults {
		limit = MaxResults
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build web search request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search returned status %d", resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode web search response: %w", err)
	}

	sources := make([]models.RetrievalSource, 0, limit)
	for i, r := range payload.Results {
		if i >= limit {
			break
		}
		similarity := r.Score
		if similarity <= 0 || similarity > 1 {
			// Providers without scores get a flat mid confidence.
			similarity = 0.6
		}
		sources = append(sources, models.RetrievalSource{
			// Web sources intentionally carry no id; they are exempt from dedup.
			Content:    r.Title + "\n" + r.Content,
			Similarity: similarity,
			SourceType: models.SourceWeb,
			Metadata: map[string]interface{}{
				"url": r.URL,
			},
		})
	}

	log.Debug().
		Int("query_len", len(query)).
		Int("results", len(sources)).
		Msg("Web search completed")
	return sources, nil
}

// Disabled is a Searcher that always returns nothing, used when no provider
// is configured.
type Disabled struct{}

func (Disabled) Search(context.Context, string, int) ([]models.RetrievalSource, error) {
	return nil, nil
}
