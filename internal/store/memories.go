package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contextgate/contextgate/internal/models"
)

// RawRecord is a raw-tier memory row.
type RawRecord struct {
	ContentHash    string
	Content        string
	UserID         string
	TenantID       string
	SourceType     string
	Agent          string
	PrivacyLevel   models.PrivacyLevel
	Tags           []string
	CostUSD        float64
	IdempotencyKey string
	PromptVersion  string
	LLMModel       string
	TraceID        string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

// EnrichedRecord is an enriched-tier memory row.
type EnrichedRecord struct {
	ContentHash   string
	Content       string
	UserID        string
	TenantID      string
	SourceType    string
	Agent         string
	PrivacyLevel  models.PrivacyLevel
	QualityScore  float64
	PromptVersion string
	LLMModel      string
	TraceID       string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

// KnowledgeFact is one extracted fact in the knowledge tier.
type KnowledgeFact struct {
	ID                   int64
	CanonicalQuery       string
	Fact                 string
	UserID               string
	TenantID             string
	PrivacyLevel         models.PrivacyLevel
	ExtractionModel      string
	ExtractionConfidence float64
	TraceID              string
	CreatedAt            time.Time
}

// HasIdempotencyKey reports whether a raw record with the key already exists.
func (s *Store) HasIdempotencyKey(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM raw_memories WHERE idempotency_key = ? LIMIT 1`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return true, nil
}

// InsertRaw writes a raw-tier record. Concurrent writers racing on the same
// idempotency key resolve first-writer-wins: the loser's row is silently
// dropped and inserted=false is returned.
func (s *Store) InsertRaw(rec RawRecord) (bool, error) {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO raw_memories
			(content_hash, content, user_id, tenant_id, source_type, agent,
			 privacy_level, tags, cost_usd, idempotency_key, prompt_version,
			 llm_model, trace_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ContentHash, rec.Content, rec.UserID, rec.TenantID, rec.SourceType,
		rec.Agent, string(rec.PrivacyLevel), string(tags), rec.CostUSD,
		rec.IdempotencyKey, rec.PromptVersion, rec.LLMModel, rec.TraceID,
		rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert raw record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertEnriched writes an enriched-tier record.
func (s *Store) InsertEnriched(rec EnrichedRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO enriched_memories
			(content_hash, content, user_id, tenant_id, source_type, agent,
			 privacy_level, quality_score, prompt_version, llm_model, trace_id,
			 created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ContentHash, rec.Content, rec.UserID, rec.TenantID, rec.SourceType,
		rec.Agent, string(rec.PrivacyLevel), rec.QualityScore, rec.PromptVersion,
		rec.LLMModel, rec.TraceID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert enriched record: %w", err)
	}
	return nil
}

// InsertKnowledgeFact writes one extracted fact, returning its id.
func (s *Store) InsertKnowledgeFact(fact KnowledgeFact) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO knowledge_facts
			(canonical_query, fact, user_id, tenant_id, privacy_level,
			 extraction_model, extraction_confidence, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.CanonicalQuery, fact.Fact, fact.UserID, fact.TenantID,
		string(fact.PrivacyLevel), fact.ExtractionModel, fact.ExtractionConfidence,
		fact.TraceID, fact.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert knowledge fact: %w", err)
	}
	return res.LastInsertId()
}

// InvalidateByPromptVersion removes raw and enriched records written under a
// prompt version, for bulk invalidation after prompt changes.
func (s *Store) InvalidateByPromptVersion(promptVersion string) (int64, error) {
	return s.invalidate("prompt_version", promptVersion)
}

// InvalidateByModel removes raw and enriched records produced by a model.
func (s *Store) InvalidateByModel(llmModel string) (int64, error) {
	return s.invalidate("llm_model", llmModel)
}

func (s *Store) invalidate(column, value string) (int64, error) {
	var total int64
	for _, table := range []string{"raw_memories", "enriched_memories"} {
		res, err := s.db.Exec(
			`DELETE FROM `+table+` WHERE `+column+` = ?`, value)
		if err != nil {
			return total, fmt.Errorf("invalidate %s by %s: %w", table, column, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// CountRaw returns the raw-tier row count.
func (s *Store) CountRaw() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM raw_memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw records: %w", err)
	}
	return n, nil
}
