package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextgate/contextgate/internal/models"
	"github.com/contextgate/contextgate/internal/privacy"
)

func newSearchStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRaw(t *testing.T, s *Store, hash, content, userID, tenantID string, level models.PrivacyLevel) {
	t.Helper()
	_, err := s.InsertRaw(RawRecord{
		ContentHash:    hash,
		Content:        content,
		UserID:         userID,
		TenantID:       tenantID,
		SourceType:     "qa_pair",
		PrivacyLevel:   level,
		IdempotencyKey: "key-" + hash,
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
}

func TestLexicalTier_CacheMatchesByTermOverlap(t *testing.T) {
	s := newSearchStore(t)
	seedRaw(t, s, "h1", "Kubernetes ingress routing uses host and path rules", "u1", "t1", models.PrivacyInternal)
	seedRaw(t, s, "h2", "Recipe for sourdough bread", "u1", "t1", models.PrivacyInternal)

	filter := privacy.BuildFilter(models.RoleMember, "u1", "t1")
	got, err := s.CacheTier().Search(context.Background(), "kubernetes ingress routing", 0.5, 5, filter)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "h1", got[0].ID)
	assert.Equal(t, models.SourceCache, got[0].SourceType)
	assert.InDelta(t, 1.0, got[0].Similarity, 0.01, "all query terms present")
}

func TestLexicalTier_ThresholdPrunesPartialMatches(t *testing.T) {
	s := newSearchStore(t)
	seedRaw(t, s, "h1", "kubernetes cluster notes", "u1", "t1", models.PrivacyInternal)

	filter := privacy.BuildFilter(models.RoleMember, "u1", "t1")
	got, err := s.CacheTier().Search(context.Background(), "kubernetes ingress routing failover", 0.9, 5, filter)
	require.NoError(t, err)
	assert.Empty(t, got, "one of four terms should not clear 0.9")
}

func TestLexicalTier_MemberCannotSeeOtherUsersInternal(t *testing.T) {
	s := newSearchStore(t)
	seedRaw(t, s, "mine", "database migration checklist", "u1", "t1", models.PrivacyInternal)
	seedRaw(t, s, "theirs", "database migration checklist", "u2", "t1", models.PrivacyInternal)
	seedRaw(t, s, "secret", "database migration checklist", "u2", "t1", models.PrivacyLocalOnly)

	filter := privacy.BuildFilter(models.RoleMember, "u1", "t1")
	got, err := s.CacheTier().Search(context.Background(), "database migration checklist", 0.5, 10, filter)
	require.NoError(t, err)

	require.Len(t, got, 1, "member sees own rows only")
	assert.Equal(t, "mine", got[0].ID)
}

func TestLexicalTier_TenantIsolation(t *testing.T) {
	s := newSearchStore(t)
	seedRaw(t, s, "other-tenant", "quarterly revenue summary", "u1", "t2", models.PrivacyInternal)

	filter := privacy.BuildFilter(models.RoleAdmin, "u1", "t1")
	got, err := s.CacheTier().Search(context.Background(), "quarterly revenue summary", 0.5, 10, filter)
	require.NoError(t, err)
	assert.Empty(t, got, "rows from other tenants must never surface")
}

func TestLexicalTier_KnowledgeMergesEnrichedAndFacts(t *testing.T) {
	s := newSearchStore(t)

	require.NoError(t, s.InsertEnriched(EnrichedRecord{
		ContentHash: "e1", Content: "Postgres connection pooling with pgbouncer",
		UserID: "u1", TenantID: "t1", SourceType: "qa_pair",
		PrivacyLevel: models.PrivacyInternal, QualityScore: 0.9,
		CreatedAt: time.Now(),
	}))
	_, err := s.InsertKnowledgeFact(KnowledgeFact{
		CanonicalQuery: "postgres pooling",
		Fact:           "pgbouncer holds postgres connection pooling state in transaction mode",
		UserID:         "u1", TenantID: "t1", PrivacyLevel: models.PrivacyInternal,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	filter := privacy.BuildFilter(models.RoleAdmin, "u1", "t1")
	got, err := s.KnowledgeTier().Search(context.Background(), "postgres connection pooling", 0.5, 10, filter)
	require.NoError(t, err)

	require.Len(t, got, 2, "enriched row and extracted fact both match")
	for _, src := range got {
		assert.Equal(t, models.SourceKnowledge, src.SourceType)
	}
}

func TestLexicalTier_ExpiredRowsInvisible(t *testing.T) {
	s := newSearchStore(t)

	past := time.Now().Add(-time.Hour)
	_, err := s.InsertRaw(RawRecord{
		ContentHash: "old", Content: "ancient deployment runbook",
		UserID: "u1", TenantID: "t1", SourceType: "qa_pair",
		PrivacyLevel: models.PrivacyInternal, IdempotencyKey: "k-old",
		CreatedAt: past.Add(-time.Hour), ExpiresAt: &past,
	})
	require.NoError(t, err)

	filter := privacy.BuildFilter(models.RoleAdmin, "u1", "t1")
	got, err := s.CacheTier().Search(context.Background(), "ancient deployment runbook", 0.5, 10, filter)
	require.NoError(t, err)
	assert.Empty(t, got)
}
