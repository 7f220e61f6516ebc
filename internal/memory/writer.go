package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/models"
	"github.com/contextgate/contextgate/internal/store"
)

// Fact is one extracted knowledge-tier fact.
type Fact struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// FactExtractor distills durable facts from a question/answer pair. It is a
// pluggable oracle; a model-backed extractor replaces the default.
type FactExtractor interface {
	Extract(ctx context.Context, question, answer string) ([]Fact, error)
}

// TierStore is the slice of the persistence layer the writer needs;
// *store.Store satisfies it.
type TierStore interface {
	HasIdempotencyKey(key string) (bool, error)
	InsertRaw(rec store.RawRecord) (bool, error)
	InsertEnriched(rec store.EnrichedRecord) error
	InsertKnowledgeFact(fact store.KnowledgeFact) (int64, error)
}

// Config tunes the writer.
type Config struct {
	RawTTL      time.Duration
	EnrichedTTL time.Duration
	// KnowledgeTTL of zero means knowledge facts never expire.
	KnowledgeTTL         time.Duration
	EnableFactExtraction bool
	EmbeddingModel       string
	PromptVersion        string
}

// DefaultConfig returns writer defaults.
func DefaultConfig() Config {
	return Config{
		RawTTL:               7 * 24 * time.Hour,
		EnrichedTTL:          30 * 24 * time.Hour,
		KnowledgeTTL:         0,
		EnableFactExtraction: true,
	}
}

// Input is one write request.
type Input struct {
	Question     string
	Answer       string
	Sources      []models.ScoredResult
	UserID       string
	TenantID     string
	ModelVersion string
	AgentUsed    string
	CostUSD      float64
	Privacy      models.PrivacyLevel
	TraceID      string
}

// Result reports which tiers were written. A nil id means that tier's write
// failed or was skipped.
type Result struct {
	RawID            *string             `json:"raw_id,omitempty"`
	EnrichedID       *string             `json:"enriched_id,omitempty"`
	KnowledgeFactIDs []int64             `json:"knowledge_fact_ids,omitempty"`
	Tier             models.QualityTier  `json:"tier"`
	Quality          models.QualityScore `json:"quality"`
	WasDuplicate     bool                `json:"was_duplicate"`
}

// Writer persists answered queries to the memory tiers.
type Writer struct {
	cfg       Config
	store     TierStore
	extractor FactExtractor

	now func() time.Time
}

// NewWriter constructs a writer. The extractor may be nil, which disables
// the knowledge tier.
func NewWriter(cfg Config, tiers TierStore, extractor FactExtractor) *Writer {
	if cfg.RawTTL <= 0 {
		cfg.RawTTL = DefaultConfig().RawTTL
	}
	if cfg.EnrichedTTL <= 0 {
		cfg.EnrichedTTL = DefaultConfig().EnrichedTTL
	}
	return &Writer{cfg: cfg, store: tiers, extractor: extractor, now: time.Now}
}

// IdempotencyKey derives the duplicate-suppression key for a write.
func IdempotencyKey(question, answer, tenantID, modelVersion string) string {
	h := sha256.Sum256([]byte(question + "|" + answer + "|" + tenantID + "|" + modelVersion))
	return hex.EncodeToString(h[:])
}

// Write assesses quality and writes the appropriate tiers. Per-tier failures
// are logged and leave that tier's id nil; Write itself only fails on the
// idempotency check.
func (w *Writer) Write(ctx context.Context, in Input) (Result, error) {
	quality := AssessQuality(in.Question, in.Answer, in.Sources)
	res := Result{Tier: quality.Tier(), Quality: quality}

	key := IdempotencyKey(in.Question, in.Answer, in.TenantID, in.ModelVersion)
	exists, err := w.store.HasIdempotencyKey(key)
	if err != nil {
		return res, err
	}
	if exists {
		res.WasDuplicate = true
		log.Debug().
			Str("trace_id", in.TraceID).
			Str("tenant_id", in.TenantID).
			Msg("Duplicate write suppressed by idempotency key")
		return res, nil
	}

	now := w.now()
	content := in.Question + "\n" + in.Answer
	hash := contentHash(content)
	privacy := in.Privacy
	if privacy == "" {
		privacy = models.PrivacyInternal
	}

	// Raw tier: always written, with TTL.
	rawExpiry := now.Add(w.cfg.RawTTL)
	inserted, err := w.store.InsertRaw(store.RawRecord{
		ContentHash:    hash,
		Content:        content,
		UserID:         in.UserID,
		TenantID:       in.TenantID,
		SourceType:     "qa_pair",
		Agent:          in.AgentUsed,
		PrivacyLevel:   privacy,
		CostUSD:        in.CostUSD,
		IdempotencyKey: key,
		PromptVersion:  w.cfg.PromptVersion,
		LLMModel:       in.ModelVersion,
		TraceID:        in.TraceID,
		CreatedAt:      now,
		ExpiresAt:      &rawExpiry,
	})
	switch {
	case err != nil:
		log.Warn().Err(err).Str("trace_id", in.TraceID).Msg("Raw-tier write failed")
	case !inserted:
		// A concurrent writer won the idempotency race.
		res.WasDuplicate = true
		return res, nil
	default:
		res.RawID = &hash
	}

	if res.Tier == models.TierRaw {
		return res, nil
	}

	// Enriched tier for tiers enriched and knowledge.
	enrichedExpiry := now.Add(w.cfg.EnrichedTTL)
	err = w.store.InsertEnriched(store.EnrichedRecord{
		ContentHash:   hash,
		Content:       content,
		UserID:        in.UserID,
		TenantID:      in.TenantID,
		SourceType:    "qa_pair",
		Agent:         in.AgentUsed,
		PrivacyLevel:  privacy,
		QualityScore:  quality.Overall,
		PromptVersion: w.cfg.PromptVersion,
		LLMModel:      in.ModelVersion,
		TraceID:       in.TraceID,
		CreatedAt:     now,
		ExpiresAt:     &enrichedExpiry,
	})
	if err != nil {
		log.Warn().Err(err).Str("trace_id", in.TraceID).Msg("Enriched-tier write failed")
	} else {
		res.EnrichedID = &hash
	}

	if res.Tier != models.TierKnowledge || !w.cfg.EnableFactExtraction || w.extractor == nil {
		return res, nil
	}

	facts, err := w.extractor.Extract(ctx, in.Question, in.Answer)
	if err != nil {
		log.Warn().Err(err).Str("trace_id", in.TraceID).Msg("Fact extraction failed")
		return res, nil
	}
	for _, fact := range facts {
		id, err := w.store.InsertKnowledgeFact(store.KnowledgeFact{
			CanonicalQuery:       in.Question,
			Fact:                 fact.Content,
			UserID:               in.UserID,
			TenantID:             in.TenantID,
			PrivacyLevel:         privacy,
			ExtractionModel:      in.ModelVersion,
			ExtractionConfidence: fact.Confidence,
			TraceID:              in.TraceID,
			CreatedAt:            now,
		})
		if err != nil {
			log.Warn().Err(err).Str("trace_id", in.TraceID).Msg("Knowledge-tier write failed")
			continue
		}
		res.KnowledgeFactIDs = append(res.KnowledgeFactIDs, id)
	}

	log.Debug().
		Str("trace_id", in.TraceID).
		Str("tier", string(res.Tier)).
		Float64("quality", quality.Overall).
		Int("facts", len(res.KnowledgeFactIDs)).
		Msg("Memory write completed")
	return res, nil
}

func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:16])
}
