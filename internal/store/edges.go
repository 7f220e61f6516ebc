package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contextgate/contextgate/internal/hebbian"
)

// edgeDecayLambda is the per-day decay applied when strength is recomputed
// at upsert time. Must match the tracker's decay configuration.
const edgeDecayLambda = 0.01

// UpsertEdge merges a pending edge delta into the stored row and recomputes
// the persisted strength. Implements hebbian.EdgeStore.
func (s *Store) UpsertEdge(edge hebbian.Edge) error {
	now := time.Now()

	var (
		count     int
		last      time.Time
		topicsRaw string
	)
	err := s.db.QueryRow(`
		SELECT co_retrieval_count, last_co_retrieval, context_topics
		FROM coretrieval_edges WHERE item_a_id = ? AND item_b_id = ?`,
		edge.ItemA, edge.ItemB).Scan(&count, &last, &topicsRaw)
	switch {
	case err == sql.ErrNoRows:
		count, last, topicsRaw = 0, edge.LastCoRetrieval, "{}"
	case err != nil:
		return fmt.Errorf("read edge: %w", err)
	}

	topics := map[string]int{}
	if topicsRaw != "" {
		if err := json.Unmarshal([]byte(topicsRaw), &topics); err != nil {
			topics = map[string]int{}
		}
	}
	for topic, n := range edge.TopicCounts {
		topics[topic] += n
	}
	merged, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}

	count += edge.Count
	if edge.LastCoRetrieval.After(last) {
		last = edge.LastCoRetrieval
	}
	strength := hebbian.Strength(count, last, edgeDecayLambda, now)

	_, err = s.db.Exec(`
		INSERT INTO coretrieval_edges
			(item_a_id, item_b_id, co_retrieval_count, last_co_retrieval,
			 strength, context_topics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_a_id, item_b_id) DO UPDATE SET
			co_retrieval_count = excluded.co_retrieval_count,
			last_co_retrieval  = excluded.last_co_retrieval,
			strength           = excluded.strength,
			context_topics     = excluded.context_topics,
			updated_at         = excluded.updated_at`,
		edge.ItemA, edge.ItemB, count, last, strength, string(merged), now, now)
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

// EdgesFor returns all stored edges incident to itemID. Implements
// hebbian.EdgeStore.
func (s *Store) EdgesFor(itemID string) ([]hebbian.Edge, error) {
	rows, err := s.db.Query(`
		SELECT item_a_id, item_b_id, co_retrieval_count, last_co_retrieval, context_topics
		FROM coretrieval_edges WHERE item_a_id = ? OR item_b_id = ?`,
		itemID, itemID)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []hebbian.Edge
	for rows.Next() {
		var (
			e         hebbian.Edge
			topicsRaw string
		)
		if err := rows.Scan(&e.ItemA, &e.ItemB, &e.Count, &e.LastCoRetrieval, &topicsRaw); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.TopicCounts = map[string]int{}
		if topicsRaw != "" {
			_ = json.Unmarshal([]byte(topicsRaw), &e.TopicCounts)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
