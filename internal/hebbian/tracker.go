// Package hebbian tracks which memory items are retrieved together. Items
// that fire together wire together: repeated co-retrieval strengthens an
// edge, and edge strength decays with time since the last co-retrieval.
package hebbian

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// MaxIDsPerEvent caps how many retrieved ids one event may contribute.
	MaxIDsPerEvent = 20
	// MaxEdgesPerEvent caps the pairs generated from one event.
	MaxEdgesPerEvent = 50
)

// Edge is one co-retrieval pair. ItemA sorts before ItemB so each unordered
// pair has exactly one representation.
type Edge struct {
	ItemA           string
	ItemB           string
	Count           int
	LastCoRetrieval time.Time
	TopicCounts     map[string]int
}

// Association is a neighbor of an item with its current strength.
type Association struct {
	ItemID   string  `json:"item_id"`
	Strength float64 `json:"strength"`
}

// EdgeStore persists edges across restarts.
type EdgeStore interface {
	// UpsertEdge merges the pending delta into the stored edge.
	UpsertEdge(edge Edge) error
	// EdgesFor returns all stored edges incident to itemID.
	EdgesFor(itemID string) ([]Edge, error)
}

// Config tunes the tracker.
type Config struct {
	// DecayLambda is the per-day exponential decay rate.
	DecayLambda float64
	// AutoFlushThreshold flushes the pending buffer once it holds this many
	// edges.
	AutoFlushThreshold int
}

// DefaultConfig returns tracker defaults.
func DefaultConfig() Config {
	return Config{
		DecayLambda:        0.01,
		AutoFlushThreshold: 100,
	}
}

// Tracker buffers co-retrieval events and flushes them to an EdgeStore.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	store   EdgeStore
	pending map[[2]string]*Edge

	now func() time.Time
}

// NewTracker constructs a tracker over the given store.
func NewTracker(store EdgeStore, cfg Config) *Tracker {
	if cfg.DecayLambda <= 0 {
		cfg.DecayLambda = DefaultConfig().DecayLambda
	}
	if cfg.AutoFlushThreshold <= 0 {
		cfg.AutoFlushThreshold = DefaultConfig().AutoFlushThreshold
	}
	return &Tracker{
		cfg:     cfg,
		store:   store,
		pending: make(map[[2]string]*Edge),
		now:     time.Now,
	}
}

// Strength computes the decayed strength of an edge at the given time.
func Strength(count int, lastCoRetrieval time.Time, lambda float64, now time.Time) float64 {
	if count <= 0 {
		return 0
	}
	days := now.Sub(lastCoRetrieval).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Log(float64(count)+1) * math.Exp(-lambda*days)
}

// RecordCoRetrieval buffers all unordered pairs of the retrieved ids. The id
// set is capped at MaxIDsPerEvent and the generated pairs at
// MaxEdgesPerEvent. Duplicate and empty ids are dropped.
func (t *Tracker) RecordCoRetrieval(sessionID string, retrievedIDs []string, topic string) {
	ids := dedupIDs(retrievedIDs)
	if len(ids) < 2 {
		return
	}
	if len(ids) > MaxIDsPerEvent {
		ids = ids[:MaxIDsPerEvent]
	}

	now := t.now()

	t.mu.Lock()
	edges := 0
	for i := 0; i < len(ids) && edges < MaxEdgesPerEvent; i++ {
		for j := i + 1; j < len(ids) && edges < MaxEdgesPerEvent; j++ {
			key := pairKey(ids[i], ids[j])
			e, ok := t.pending[key]
			if !ok {
				e = &Edge{ItemA: key[0], ItemB: key[1], TopicCounts: make(map[string]int)}
				t.pending[key] = e
			}
			e.Count++
			e.LastCoRetrieval = now
			if topic != "" {
				e.TopicCounts[topic]++
			}
			edges++
		}
	}
	shouldFlush := len(t.pending) >= t.cfg.AutoFlushThreshold
	t.mu.Unlock()

	log.Debug().
		Str("session_id", sessionID).
		Int("ids", len(ids)).
		Int("edges", edges).
		Msg("Recorded co-retrieval event")

	if shouldFlush {
		if err := t.Flush(); err != nil {
			log.Warn().Err(err).Msg("Auto-flush of co-retrieval edges failed")
		}
	}
}

// Flush upserts all pending edges to the store. Edges that fail to upsert
// stay pending for the next flush.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	batch := t.pending
	t.pending = make(map[[2]string]*Edge)
	t.mu.Unlock()

	var firstErr error
	flushed := 0
	for key, e := range batch {
		if err := t.store.UpsertEdge(*e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.mu.Lock()
			if kept, ok := t.pending[key]; ok {
				kept.Count += e.Count
				if e.LastCoRetrieval.After(kept.LastCoRetrieval) {
					kept.LastCoRetrieval = e.LastCoRetrieval
				}
				for topic, n := range e.TopicCounts {
					kept.TopicCounts[topic] += n
				}
			} else {
				t.pending[key] = e
			}
			t.mu.Unlock()
			continue
		}
		flushed++
	}

	if flushed > 0 {
		log.Debug().Int("edges", flushed).Msg("Flushed co-retrieval edges")
	}
	return firstErr
}

// PendingEdges reports the size of the in-memory buffer.
func (t *Tracker) PendingEdges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// GetAssociatedItems returns the neighbors of itemID whose decayed strength
// is at least minStrength, strongest first, at most limit items. Pending
// (unflushed) edges are included.
func (t *Tracker) GetAssociatedItems(itemID string, minStrength float64, limit int) ([]Association, error) {
	if itemID == "" || limit <= 0 {
		return nil, nil
	}

	stored, err := t.store.EdgesFor(itemID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	merged := make(map[string]Edge, len(stored))
	for _, e := range stored {
		merged[otherEnd(e, itemID)] = e
	}

	t.mu.Lock()
	for _, e := range t.pending {
		if e.ItemA != itemID && e.ItemB != itemID {
			continue
		}
		other := otherEnd(*e, itemID)
		if existing, ok := merged[other]; ok {
			existing.Count += e.Count
			if e.LastCoRetrieval.After(existing.LastCoRetrieval) {
				existing.LastCoRetrieval = e.LastCoRetrieval
			}
			merged[other] = existing
		} else {
			merged[other] = *e
		}
	}
	t.mu.Unlock()

	out := make([]Association, 0, len(merged))
	for other, e := range merged {
		strength := Strength(e.Count, e.LastCoRetrieval, t.cfg.DecayLambda, now)
		if strength >= minStrength {
			out = append(out, Association{ItemID: other, Strength: strength})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func pairKey(a, b string) [2]string {
	if a <= b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func otherEnd(e Edge, itemID string) string {
	if e.ItemA == itemID {
		return e.ItemB
	}
	return e.ItemA
}

func dedupIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
