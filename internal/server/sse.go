// internal/server/sse.go
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/chatfold/internal/event"
)

// sseBufferSize bounds the per-client queue. A client that cannot keep up
// loses events rather than blocking the publisher.
const sseBufferSize = 256

// handleEvents streams the caller's live events as server-sent events. The
// bus subscription handler runs on the publisher's goroutine, so it only
// enqueues; the request goroutine does the writing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		httpError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	feed := make(chan *event.Event, sseBufferSize)
	unsubscribe := s.log.Subscribe(func(ev *event.Event) {
		select {
		case feed <- ev:
		default:
			slog.Warn("dropping event for slow sse client", "user_id", uid)
		}
	}, event.ForUser(uid))
	defer unsubscribe()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-feed:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
