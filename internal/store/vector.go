package store

import "context"

// VectorHit is one semantic-search result from the vector database.
type VectorHit struct {
	ID         string
	Distance   float64 // normalized to [0,1]
	Properties map[string]interface{}
}

// VectorStore is the contract a vector database adapter must satisfy. The
// retrieval tiers are built on semantic search over per-tier collections.
type VectorStore interface {
	SemanticSearch(ctx context.Context, collection string, queryVector []float32, limit int, filter map[string]interface{}) ([]VectorHit, error)
	InsertVector(ctx context.Context, collection string, vector []float32, data map[string]interface{}) (string, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	CountVectors(ctx context.Context, name string) (int, error)
}

// Embedder turns text into a vector for semantic search and storage.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}
