// Package gateway composes the full request pipeline behind a single
// Execute(Request) stream of events.
package gateway

import (
	"github.com/contextgate/contextgate/internal/models"
)

// EventType tags the outer event union.
type EventType string

const (
	// EventStatus reports pipeline progress (intent_detection, retrieval,
	// generation and the like).
	EventStatus EventType = "status"
	// EventChunk carries one streamed answer fragment.
	EventChunk EventType = "chunk"
	// EventDone is the successful terminal event.
	EventDone EventType = "done"
	// EventError is the failing terminal event.
	EventError EventType = "error"
)

// Pipeline step names used in status and error events.
const (
	StepIntentDetection      = "intent_detection"
	StepPreflightGate        = "preflight_gate"
	StepRateLimit            = "rate_limit"
	StepDirectData           = "direct_data"
	StepWebSearch            = "web_search"
	StepRetrieval            = "retrieval"
	StepContextAssembly      = "context_assembly"
	StepContextSanitization  = "context_sanitization"
	StepGeneration           = "generation"
	StepAgentFallback        = "agent_fallback"
	StepAgentExecution       = "agent_execution"
)

// Event is one entry in a request's stream. The orchestrator emits exactly
// one terminal event (done or error) per request and nothing after it.
type Event struct {
	Type     EventType              `json:"type"`
	Step     string                 `json:"step,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Response *models.Response       `json:"response,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func statusEvent(step, message string, details map[string]interface{}) Event {
	return Event{Type: EventStatus, Step: step, Message: message, Details: details}
}

func chunkEvent(text string) Event {
	return Event{Type: EventChunk, Text: text}
}

func doneEvent(resp *models.Response) Event {
	return Event{Type: EventDone, Response: resp}
}

func errorEvent(step, message, reason string, details map[string]interface{}) Event {
	return Event{Type: EventError, Step: step, Message: message, Reason: reason, Details: details}
}
