// Package models defines the shared domain types for the query orchestration
// core: requests, privacy tiers, intents, retrieval sources and quality scores.
package models

import (
	"strings"
	"time"
)

// PrivacyLevel classifies stored content for role-based access control.
type PrivacyLevel string

const (
	PrivacyPublic       PrivacyLevel = "PUBLIC"
	PrivacyInternal     PrivacyLevel = "INTERNAL"
	PrivacyConfidential PrivacyLevel = "CONFIDENTIAL"
	PrivacyLocalOnly    PrivacyLevel = "LOCAL_ONLY"
)

// rank orders privacy levels for role comparisons. LOCAL_ONLY deliberately has
// no rank: it is owner-gated, not role-gated.
func (p PrivacyLevel) rank() int {
	switch p {
	case PrivacyPublic:
		return 0
	case PrivacyInternal:
		return 1
	case PrivacyConfidential:
		return 2
	default:
		return -1
	}
}

// AtMost reports whether p is orderable and no more sensitive than other.
func (p PrivacyLevel) AtMost(other PrivacyLevel) bool {
	pr, or := p.rank(), other.rank()
	return pr >= 0 && or >= 0 && pr <= or
}

// Role is the requesting user's role. The extended set (viewer/lead/manager)
// collapses onto the three canonical roles in the filter layer.
type Role string

const (
	RolePublic Role = "public"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Canonical maps extended roles onto the three roles the policy understands.
func (r Role) Canonical() Role {
	switch r {
	case "viewer":
		return RolePublic
	case "lead", "manager":
		return RoleMember
	default:
		return r
	}
}

// Intent is the classified purpose of a query, used for agent routing and
// threshold selection.
type Intent string

const (
	IntentTerminalCommand Intent = "terminal_command"
	IntentCodeGeneration  Intent = "code_generation"
	IntentFileOperation   Intent = "file_operation"
	IntentAnalysis        Intent = "analysis"
	IntentCreative        Intent = "creative"
	IntentResearch        Intent = "research"
	IntentMemoryQuery     Intent = "memory_query"
	IntentEmail           Intent = "email"
	IntentFinance         Intent = "finance"
	IntentGeneral         Intent = "general"
)

// RetrievalMode drives adaptive similarity thresholds: pattern separation for
// exact recall, pattern completion for exploration.
type RetrievalMode string

const (
	ModeExactRecall       RetrievalMode = "exact_recall"
	ModeConceptualExplore RetrievalMode = "conceptual_explore"
	ModeTroubleshoot      RetrievalMode = "troubleshoot"
	ModeCompare           RetrievalMode = "compare"
	ModeDefault           RetrievalMode = "default"
)

// ThresholdSet holds per-tier minimum similarity thresholds.
// Invariant: Cache >= Raw >= Knowledge.
type ThresholdSet struct {
	Cache     float64 `json:"cache"`
	Raw       float64 `json:"raw"`
	Knowledge float64 `json:"knowledge"`
}

// Valid reports whether the set respects the tier ordering invariant.
func (t ThresholdSet) Valid() bool {
	return t.Cache >= t.Raw && t.Raw >= t.Knowledge &&
		t.Cache <= 1 && t.Knowledge >= 0
}

// SourceType identifies where a retrieval source came from.
type SourceType string

const (
	SourceCache     SourceType = "cache"
	SourceKnowledge SourceType = "knowledge"
	SourceMemory    SourceType = "memory"
	SourceWeb       SourceType = "web"
)

// RetrievalSource is a single candidate piece of context. Identity is ID;
// web sources may carry an empty ID and are exempt from dedup.
type RetrievalSource struct {
	ID         string                 `json:"id"`
	Content    string                 `json:"content"`
	Similarity float64                `json:"similarity"`
	SourceType SourceType             `json:"source_type"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Privacy returns the source's privacy level from metadata, defaulting to
// PUBLIC for sources that carry none (web results).
func (s RetrievalSource) Privacy() PrivacyLevel {
	if s.Metadata == nil {
		return PrivacyPublic
	}
	if v, ok := s.Metadata["privacy_level"].(string); ok && v != "" {
		return PrivacyLevel(v)
	}
	return PrivacyPublic
}

// OwnerID returns the owning user id from metadata, empty when unknown.
func (s RetrievalSource) OwnerID() string {
	if s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata["user_id"].(string); ok {
		return v
	}
	return ""
}

// TenantID returns the tenant id from metadata, empty when unknown.
func (s RetrievalSource) TenantID() string {
	if s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata["tenant_id"].(string); ok {
		return v
	}
	return ""
}

// ScoreBreakdown records the individual CRS ranking signals.
type ScoreBreakdown struct {
	Similarity  float64 `json:"similarity"`
	SourceBoost float64 `json:"source_boost"`
	Freshness   float64 `json:"freshness"`
	Feedback    float64 `json:"feedback"`
	Diversity   float64 `json:"diversity"`
}

// ScoredResult is a retrieval source with its composite ranking score.
type ScoredResult struct {
	RetrievalSource
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// QualityTier is the persistence tier a generated answer qualifies for.
type QualityTier string

const (
	TierRaw       QualityTier = "raw"
	TierEnriched  QualityTier = "enriched"
	TierKnowledge QualityTier = "knowledge"
)

// QualityScore grades a question/answer pair. All components are in [0,1].
type QualityScore struct {
	Overall       float64 `json:"overall"`
	Relevance     float64 `json:"relevance"`
	Completeness  float64 `json:"completeness"`
	Accuracy      float64 `json:"accuracy"`
	SourceQuality float64 `json:"source_quality"`
}

// Tier derives the persistence tier. The decision is monotonic in Overall.
func (q QualityScore) Tier() QualityTier {
	switch {
	case q.Overall >= 0.85:
		return TierKnowledge
	case q.Overall >= 0.80:
		return TierEnriched
	default:
		return TierRaw
	}
}

// Request is a single question entering the pipeline.
type Request struct {
	Query          string `json:"query"`
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id"`
	Role           Role   `json:"role"`
	ManualAgent    string `json:"manual_agent,omitempty"`
	ContextLimit   int    `json:"context_limit,omitempty"` // 1-20, 0 means default
	BypassCache    bool   `json:"bypass_cache,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadContext  string `json:"thread_context,omitempty"`
	FileContext    string `json:"file_context,omitempty"`
}

// Validate rejects structurally invalid requests before any work is done.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return ErrEmptyQuery
	}
	if r.ContextLimit < 0 || r.ContextLimit > 20 {
		return ErrContextLimitRange
	}
	return nil
}

// EffectiveContextLimit clamps the requested context limit into [1,20].
func (r Request) EffectiveContextLimit() int {
	if r.ContextLimit <= 0 {
		return 5
	}
	if r.ContextLimit > 20 {
		return 20
	}
	return r.ContextLimit
}

// Response is the terminal payload carried by a Done event. Only whitelisted
// fields appear here; internal details stay in logs.
type Response struct {
	QueryID        string    `json:"query_id"`
	Answer         string    `json:"answer"`
	AgentUsed      string    `json:"agent_used"`
	IntentDetected Intent    `json:"intent_detected"`
	CacheStatus    string    `json:"cache_status"`
	FromCache      bool      `json:"from_cache"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMS      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
