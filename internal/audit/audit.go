// Package audit records data-access events. Sinks are non-blocking; audit
// failures never fail the request.
package audit

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/models"
)

// RetrievalRecord describes one retrieval against the memory tiers.
type RetrievalRecord struct {
	TraceID        string                       `json:"trace_id"`
	UserID         string                       `json:"user_id"`
	Role           models.Role                  `json:"role"`
	TenantID       string                       `json:"tenant_id"`
	TiersSearched  []models.PrivacyLevel        `json:"tiers_searched"`
	ResultsPerTier map[models.SourceType]int    `json:"results_per_tier"`
	Action         string                       `json:"action"`
}

// Logger is the audit sink contract.
type Logger interface {
	// LogIngress records data entering the system.
	LogIngress(source, operation string, itemCount int, metadata map[string]interface{})
	// LogEgress records data leaving toward a destination, with its
	// classification.
	LogEgress(source, operation, destination string, duration time.Duration, classification models.PrivacyLevel, metadata map[string]interface{})
	// LogRetrieval records a memory retrieval with its access scope.
	LogRetrieval(rec RetrievalRecord)
}

// ZerologSink writes audit records as structured log lines. It never blocks
// and never returns errors.
type ZerologSink struct{}

// NewZerologSink constructs the default audit sink.
func NewZerologSink() *ZerologSink { return &ZerologSink{} }

func (z *ZerologSink) LogIngress(source, operation string, itemCount int, metadata map[string]interface{}) {
	log.Info().
		Str("audit", "ingress").
		Str("source", source).
		Str("operation", operation).
		Int("item_count", itemCount).
		Fields(metadata).
		Msg("Audit ingress")
}

func (z *ZerologSink) LogEgress(source, operation, destination string, duration time.Duration, classification models.PrivacyLevel, metadata map[string]interface{}) {
	log.Info().
		Str("audit", "egress").
		Str("source", source).
		Str("operation", operation).
		Str("destination", destination).
		Dur("duration", duration).
		Str("data_classification", string(classification)).
		Fields(metadata).
		Msg("Audit egress")
}

func (z *ZerologSink) LogRetrieval(rec RetrievalRecord) {
	counts := make(map[string]interface{}, len(rec.ResultsPerTier))
	for k, v := range rec.ResultsPerTier {
		counts[string(k)] = v
	}
	log.Info().
		Str("audit", "retrieval").
		Str("trace_id", rec.TraceID).
		Str("user_id", rec.UserID).
		Str("role", string(rec.Role)).
		Str("tenant_id", rec.TenantID).
		Str("action", rec.Action).
		Fields(counts).
		Msg("Audit retrieval")
}
