package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

var eventsHeartbeatInterval = 15 * time.Second

// sseRetryMillis is the reconnect delay suggested to EventSource clients.
const sseRetryMillis = 3000

// sseStream writes server-sent events. Every event carries an increasing
// id so clients can tell how many batches they saw on this connection.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	seq     uint64
}

func (s *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleEvents streams delivered batches as server-sent events, for one
// client when client_id is given or for all clients otherwise.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "event stream is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	batches, unsubscribe := s.cfg.Hub.Subscribe(clientID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{w: w, flusher: flusher}
	if err := stream.comment("connected"); err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis); err != nil {
		return
	}

	webLog.Debug("events_subscribed", slog.String("client_id", clientID), slog.String("request_id", requestID(r)))
	defer func() {
		webLog.Debug("events_unsubscribed",
			slog.String("client_id", clientID),
			slog.Uint64("sent", stream.seq))
	}()

	heartbeat := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := stream.comment("keepalive"); err != nil {
				return
			}
		case b, ok := <-batches:
			if !ok {
				return
			}
			if err := stream.event("batch", b); err != nil {
				return
			}
		}
	}
}
