package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents attaches the caller to the session's live event feed as
// Server-Sent Events. Heartbeats keep the connection distinguishable from
// a dead one; the feed ends when the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe(desc.SessionID)
	defer s.events.Unsubscribe(desc.SessionID, sub)
	if s.metrics != nil {
		s.metrics.StreamSubscribed.Inc()
		defer s.metrics.StreamSubscribed.Dec()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
