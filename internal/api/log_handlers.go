package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/logging"
)

// logStreamHeartbeat keeps idle connections alive through proxies.
const logStreamHeartbeat = 30 * time.Second

// handleLogStream replays buffered log history and then follows live log
// lines over SSE until the client disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("Failed to disable write deadline for log stream")
	}

	b := logging.GetBroadcaster()
	id, lines, history := b.Subscribe()
	defer b.Unsubscribe(id)

	for _, line := range history {
		if err := writeLogEvent(w, line); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(logStreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-lines:
			if !open {
				return
			}
			if err := writeLogEvent(w, line); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeLogEvent emits one log line as an SSE data frame. Zerolog lines carry
// a trailing newline that would split the frame, so it is trimmed first.
func writeLogEvent(w http.ResponseWriter, line string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", strings.TrimRight(line, "\n"))
	return err
}
