package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilnhq/kiln/pkg/protocol"
)

const (
	sseBuffer    = 256
	sseHeartbeat = 30 * time.Second
)

// handleSSE streams bus events as server-sent events until the client
// disconnects. A slow client that overruns its buffer loses transient deltas;
// terminal state is always recoverable from /session/{id}/message.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.bus.SubscribeChan(sseBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Type == protocol.EventShutdown {
				return
			}
			data, err := json.Marshal(protocol.Envelope{Type: ev.Type, Properties: ev.Properties})
			if err != nil {
				slog.Debug("sse encode failed", "event", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
