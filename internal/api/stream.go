package api

import (
	"fmt"
	"net/http"
	"time"
)

const streamKeepAlive = 15 * time.Second

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Current())
}

// handleSyncStream sends the current sync state and then every change as
// server-sent events. Slow readers only ever see the latest state.
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	states, unsubscribe := s.sync.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case st, ok := <-states:
			if !ok {
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				s.logger.Error("encode sync state failed", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: sync\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
