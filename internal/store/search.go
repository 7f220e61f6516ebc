package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/contextgate/contextgate/internal/models"
	"github.com/contextgate/contextgate/internal/privacy"
)

// LexicalTier is the SQLite-backed fallback searcher used when no vector
// database is configured. Similarity is term overlap between the query and
// the stored content, so scores are coarse but monotonic: exact restatements
// rank above partial matches. Access control is enforced twice, in SQL and
// again per row, so a schema drift cannot widen visibility.
type LexicalTier struct {
	store *Store
	tier  models.SourceType
}

// CacheTier searches raw question/answer exchanges.
func (s *Store) CacheTier() *LexicalTier {
	return &LexicalTier{store: s, tier: models.SourceCache}
}

// KnowledgeTier searches enriched memories and extracted facts.
func (s *Store) KnowledgeTier() *LexicalTier {
	return &LexicalTier{store: s, tier: models.SourceKnowledge}
}

// Search implements the tier searcher contract over SQLite.
func (t *LexicalTier) Search(ctx context.Context, query string, threshold float64, limit int, filter privacy.AccessFilter) ([]models.RetrievalSource, error) {
	terms := significantTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	var rows []candidateRow
	var err error
	switch t.tier {
	case models.SourceCache:
		rows, err = t.store.candidateRaw(ctx, terms, filter)
	default:
		rows, err = t.store.candidateKnowledge(ctx, terms, filter)
	}
	if err != nil {
		return nil, err
	}

	sources := make([]models.RetrievalSource, 0, len(rows))
	for _, row := range rows {
		if !filter.Allows(models.PrivacyLevel(row.privacyLevel), row.userID, row.tenantID) {
			continue
		}
		sim := overlapSimilarity(terms, row.content)
		if sim < threshold {
			continue
		}
		sources = append(sources, models.RetrievalSource{
			ID:         row.id,
			Content:    row.content,
			Similarity: sim,
			SourceType: t.tier,
			Metadata: map[string]interface{}{
				"privacy_level": row.privacyLevel,
				"user_id":       row.userID,
				"tenant_id":     row.tenantID,
				"source_type":   row.sourceType,
				"created_at":    row.createdAt,
			},
		})
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Similarity > sources[j].Similarity })
	if len(sources) > limit {
		sources = sources[:limit]
	}
	return sources, nil
}

type candidateRow struct {
	id           string
	content      string
	userID       string
	tenantID     string
	privacyLevel string
	sourceType   string
	createdAt    time.Time
}

func (s *Store) candidateRaw(ctx context.Context, terms []string, filter privacy.AccessFilter) ([]candidateRow, error) {
	where, args := candidateClause(terms, filter, "content")
	q := `SELECT content_hash, content, user_id, tenant_id, privacy_level, source_type, created_at
		FROM raw_memories WHERE ` + where +
		` AND (expires_at IS NULL OR expires_at > ?) LIMIT 200`
	args = append(args, time.Now())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search raw memories: %w", err)
	}
	defer rows.Close()

	var out []candidateRow
	for rows.Next() {
		var r candidateRow
		if err := rows.Scan(&r.id, &r.content, &r.userID, &r.tenantID, &r.privacyLevel, &r.sourceType, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scan raw memory: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) candidateKnowledge(ctx context.Context, terms []string, filter privacy.AccessFilter) ([]candidateRow, error) {
	where, args := candidateClause(terms, filter, "content")
	q := `SELECT content_hash, content, user_id, tenant_id, privacy_level, source_type, created_at
		FROM enriched_memories WHERE ` + where +
		` AND (expires_at IS NULL OR expires_at > ?) LIMIT 200`
	args = append(args, time.Now())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search enriched memories: %w", err)
	}
	var out []candidateRow
	for rows.Next() {
		var r candidateRow
		if err := rows.Scan(&r.id, &r.content, &r.userID, &r.tenantID, &r.privacyLevel, &r.sourceType, &r.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan enriched memory: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	factWhere, factArgs := candidateClause(terms, filter, "fact")
	fq := `SELECT 'fact:' || id, fact, user_id, tenant_id, privacy_level, 'qa_pair', created_at
		FROM knowledge_facts WHERE ` + factWhere + ` LIMIT 200`

	factRows, err := s.db.QueryContext(ctx, fq, factArgs...)
	if err != nil {
		return nil, fmt.Errorf("search knowledge facts: %w", err)
	}
	defer factRows.Close()
	for factRows.Next() {
		var r candidateRow
		if err := factRows.Scan(&r.id, &r.content, &r.userID, &r.tenantID, &r.privacyLevel, &r.sourceType, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scan knowledge fact: %w", err)
		}
		out = append(out, r)
	}
	return out, factRows.Err()
}

// candidateClause builds the SQL-side prefilter: tenant scoping, the allowed
// privacy set, and a LIKE disjunction over the significant terms.
func candidateClause(terms []string, filter privacy.AccessFilter, contentCol string) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}

	levels := make([]string, 0, len(filter.PrivacyTiers)+1)
	for _, tier := range filter.PrivacyTiers {
		levels = append(levels, "?")
		args = append(args, string(tier))
	}
	// LOCAL_ONLY rows are visible to their owner only, regardless of role.
	levels = append(levels, "?")
	args = append(args, string(models.PrivacyLocalOnly))
	conds = append(conds, "privacy_level IN ("+strings.Join(levels, ",")+")")

	likes := make([]string, 0, len(terms))
	for _, term := range terms {
		likes = append(likes, contentCol+" LIKE ?")
		args = append(args, "%"+term+"%")
	}
	conds = append(conds, "("+strings.Join(likes, " OR ")+")")

	return strings.Join(conds, " AND "), args
}

var searchStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "what": true, "which": true, "how": true, "was": true,
	"are": true, "were": true, "can": true, "could": true, "would": true,
	"should": true, "about": true, "from": true, "into": true, "does": true,
	"did": true, "has": true, "have": true, "had": true, "you": true,
	"your": true, "our": true, "their": true, "when": true, "where": true,
	"why": true, "who": true, "will": true, "not": true, "all": true,
}

func significantTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?:;\"'()[]")
		if len(f) < 3 || searchStopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// overlapSimilarity is the fraction of query terms present in the content.
func overlapSimilarity(terms []string, content string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
