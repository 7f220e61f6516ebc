package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryRecord is one answered query.
type HistoryRecord struct {
	QueryID        string
	UserID         string
	Question       string
	Answer         string
	ResponseSource string
	FromCache      bool
	CostUSD        float64
	LatencyMS      int64
	Metadata       map[string]interface{}
	Rating         *int
	FeedbackText   *string
	CreatedAt      time.Time
}

// InsertHistory records an answered query.
func (s *Store) InsertHistory(rec HistoryRecord) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal history metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO query_history
			(query_id, user_id, question, answer, response_source, from_cache,
			 cost_usd, latency_ms, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.QueryID, rec.UserID, rec.Question, rec.Answer, rec.ResponseSource,
		rec.FromCache, rec.CostUSD, rec.LatencyMS, string(raw), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// UpdateFeedback attaches a user rating and optional feedback text to an
// answered query. Returns false when the query id is unknown or belongs to a
// different user.
func (s *Store) UpdateFeedback(queryID, userID string, rating int, feedbackText string) (bool, error) {
	var text *string
	if feedbackText != "" {
		text = &feedbackText
	}
	res, err := s.db.Exec(`
		UPDATE query_history SET rating = ?, feedback_text = ?
		WHERE query_id = ? AND user_id = ?`,
		rating, text, queryID, userID)
	if err != nil {
		return false, fmt.Errorf("update feedback: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetHistory returns one history record.
func (s *Store) GetHistory(queryID string) (*HistoryRecord, error) {
	var (
		rec      HistoryRecord
		metaRaw  string
		rating   sql.NullInt64
		feedback sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT query_id, user_id, question, answer, response_source, from_cache,
		       cost_usd, latency_ms, metadata, rating, feedback_text, created_at
		FROM query_history WHERE query_id = ?`, queryID).Scan(
		&rec.QueryID, &rec.UserID, &rec.Question, &rec.Answer, &rec.ResponseSource,
		&rec.FromCache, &rec.CostUSD, &rec.LatencyMS, &metaRaw, &rating, &feedback,
		&rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history record: %w", err)
	}
	if rating.Valid {
		v := int(rating.Int64)
		rec.Rating = &v
	}
	if feedback.Valid {
		v := feedback.String
		rec.FeedbackText = &v
	}
	rec.Metadata = map[string]interface{}{}
	_ = json.Unmarshal([]byte(metaRaw), &rec.Metadata)
	return &rec, nil
}
