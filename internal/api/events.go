package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// projectEvents streams a project's event feed over SSE. The stream opens
// with a full snapshot, then delivers every event with its per-project
// sequence number as the SSE id. Delivery is at-least-once: a client that
// sees a gap in sequence numbers reconnects, which replays a fresh snapshot.
func (s *Server) projectEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	projectID := r.PathValue("id")
	sessionID := r.URL.Query().Get("session_id")

	snapshot, events, cancel := s.engine.Subscribe(sessionID, projectID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", snapshot.Seq, snapshot); err != nil {
		return
	}
	flusher.Flush()

	s.logger.Info("event stream opened", "project", projectID, "subscriber", sessionID)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("event stream closed", "project", projectID, "subscriber", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, string(ev.Type), ev.Seq, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, id uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
