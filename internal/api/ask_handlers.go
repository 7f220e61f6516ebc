package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/gateway"
	"github.com/contextgate/contextgate/internal/models"
)

// askRequest is the wire shape of a question.
type askRequest struct {
	Query          string `json:"query"`
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id"`
	Role           string `json:"role"`
	ManualAgent    string `json:"manual_agent,omitempty"`
	ContextLimit   int    `json:"context_limit,omitempty"`
	BypassCache    bool   `json:"bypass_cache,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadContext  string `json:"thread_context,omitempty"`
	FileContext    string `json:"file_context,omitempty"`
}

func (a askRequest) toModel() models.Request {
	return models.Request{
		Query:          a.Query,
		UserID:         a.UserID,
		TenantID:       a.TenantID,
		Role:           models.Role(a.Role),
		ManualAgent:    a.ManualAgent,
		ContextLimit:   a.ContextLimit,
		BypassCache:    a.BypassCache,
		ConversationID: a.ConversationID,
		ThreadContext:  a.ThreadContext,
		FileContext:    a.FileContext,
	}
}

// handleAsk streams pipeline events over SSE.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	modelReq := req.toModel()
	if err := modelReq.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Set headers before the first write so chunked auto-detection cannot
	// interfere with the event stream.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Disable the server's write deadline; LLM streams can run for minutes.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("Failed to disable write deadline for SSE")
	}
	_ = rc.SetReadDeadline(time.Time{})

	flusher.Flush()

	ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
	defer cancel()

	for ev := range s.orch.Execute(ctx, modelReq) {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal event")
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
			// Client went away; the pipeline keeps draining via ctx.
			log.Debug().Err(err).Msg("SSE client disconnected")
			return
		}
		flusher.Flush()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleAskWS streams pipeline events over a WebSocket. The client sends one
// question per message and receives the event stream as JSON frames.
func (s *Server) handleAskWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var req askRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		modelReq := req.toModel()
		if err := modelReq.Validate(); err != nil {
			if werr := conn.WriteJSON(gateway.Event{
				Type: gateway.EventError, Step: gateway.StepPreflightGate, Message: err.Error(),
			}); werr != nil {
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), askTimeout)
		for ev := range s.orch.Execute(ctx, modelReq) {
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				cancel()
				return
			}
		}
		cancel()
	}
}

// feedbackRequest attaches a rating to an answered query. Ratings are a
// closed two-value set: 1 (unhelpful) or 5 (helpful).
type feedbackRequest struct {
	QueryID      string `json:"query_id"`
	UserID       string `json:"user_id"`
	Rating       int    `json:"rating"`
	FeedbackText string `json:"feedback_text,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.feedback == nil {
		http.Error(w, "Feedback not enabled", http.StatusNotImplemented)
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.QueryID == "" || req.UserID == "" {
		http.Error(w, "query_id and user_id are required", http.StatusBadRequest)
		return
	}
	if req.Rating != 1 && req.Rating != 5 {
		http.Error(w, "rating must be 1 or 5", http.StatusBadRequest)
		return
	}

	ok, err := s.feedback.UpdateFeedback(req.QueryID, req.UserID, req.Rating, req.FeedbackText)
	if err != nil {
		log.Error().Err(err).Str("query_id", req.QueryID).Msg("Failed to store feedback")
		http.Error(w, "Failed to store feedback", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Unknown query", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
