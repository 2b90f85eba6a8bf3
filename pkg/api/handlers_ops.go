package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/metrics"
)

// handleQueueHeartbeat reports broker reachability. The heartbeat is
// the last worker component update when a worker runs in this process,
// otherwise the stats probe instant.
func (s *Server) handleQueueHeartbeat(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, errs.Wrap(errs.KindRetryable, "queue unreachable", err))
		return
	}

	lastHeartbeat := time.Now().UTC()
	if updated, ok := metrics.ComponentUpdated("worker"); ok {
		lastHeartbeat = updated.UTC()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"driver":        stats.Driver,
		"durable":       stats.Durable,
		"backlog":       stats.Backlog,
		"lastHeartbeat": lastHeartbeat.Format(time.RFC3339),
	})
}

// handleEventStream pushes lifecycle events over server-sent events
// until the client disconnects. A slow client misses events rather
// than backing up the broker.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, errs.New(errs.KindNotFound, "event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.KindValidation, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}
