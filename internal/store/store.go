// Package store persists memory records, co-retrieval edges and query
// history in SQLite. Vector search stays behind the VectorStore interface so
// a real vector database can back it.
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dataDir/contextgate.db and applies
// the schema.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "contextgate.db")
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("Opened memory store")
	return s, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS raw_memories (
			content_hash    TEXT PRIMARY KEY,
			content         TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			source_type     TEXT NOT NULL,
			agent           TEXT NOT NULL DEFAULT '',
			privacy_level   TEXT NOT NULL DEFAULT 'INTERNAL',
			tags            TEXT NOT NULL DEFAULT '[]',
			cost_usd        REAL NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL,
			prompt_version  TEXT NOT NULL DEFAULT '',
			llm_model       TEXT NOT NULL DEFAULT '',
			trace_id        TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			expires_at      TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_idempotency ON raw_memories(idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS enriched_memories (
			content_hash    TEXT PRIMARY KEY,
			content         TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			source_type     TEXT NOT NULL,
			agent           TEXT NOT NULL DEFAULT '',
			privacy_level   TEXT NOT NULL DEFAULT 'INTERNAL',
			quality_score   REAL NOT NULL,
			prompt_version  TEXT NOT NULL DEFAULT '',
			llm_model       TEXT NOT NULL DEFAULT '',
			trace_id        TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			expires_at      TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_facts (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			canonical_query       TEXT NOT NULL,
			fact                  TEXT NOT NULL,
			user_id               TEXT NOT NULL,
			tenant_id             TEXT NOT NULL,
			privacy_level         TEXT NOT NULL DEFAULT 'INTERNAL',
			extraction_model      TEXT NOT NULL DEFAULT '',
			extraction_confidence REAL NOT NULL DEFAULT 0,
			usage_count           INTEGER NOT NULL DEFAULT 0,
			feedback_score        REAL NOT NULL DEFAULT 0.5,
			trace_id              TEXT NOT NULL DEFAULT '',
			created_at            TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coretrieval_edges (
			item_a_id           TEXT NOT NULL,
			item_b_id           TEXT NOT NULL,
			co_retrieval_count  INTEGER NOT NULL DEFAULT 0,
			last_co_retrieval   TIMESTAMP NOT NULL,
			strength            REAL NOT NULL DEFAULT 0,
			context_topics      TEXT NOT NULL DEFAULT '{}',
			created_at          TIMESTAMP NOT NULL,
			updated_at          TIMESTAMP NOT NULL,
			PRIMARY KEY (item_a_id, item_b_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_b ON coretrieval_edges(item_b_id)`,
		`CREATE TABLE IF NOT EXISTS query_history (
			query_id        TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			question        TEXT NOT NULL,
			answer          TEXT NOT NULL,
			response_source TEXT NOT NULL DEFAULT '',
			from_cache      INTEGER NOT NULL DEFAULT 0,
			cost_usd        REAL NOT NULL DEFAULT 0,
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			metadata        TEXT NOT NULL DEFAULT '{}',
			rating          INTEGER,
			feedback_text   TEXT,
			created_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON query_history(user_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// PurgeExpired deletes raw and enriched records past their TTL. Returns the
// number of rows removed.
func (s *Store) PurgeExpired(now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"raw_memories", "enriched_memories"} {
		res, err := s.db.Exec(
			`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		log.Debug().Int64("rows", total).Msg("Purged expired memory records")
	}
	return total, nil
}
