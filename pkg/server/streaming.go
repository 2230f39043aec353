package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/streaming"
)

// doneSentinel terminates every SSE stream so clients can distinguish a
// finished turn from a dropped connection.
const doneSentinel = "[DONE]"

// handleStreamStart opens an SSE subscription on a session. The stream
// carries every event published for the session and ends with the sentinel
// after a complete event, or when the client disconnects.
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if _, _, err := s.opts.Conv.Get(r.Context(), sessionID); err != nil {
		respondError(w, err)
		return
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		respondError(w, fmt.Errorf("streaming unsupported by the connection"))
		return
	}

	events, cancel := s.opts.Stream.Subscribe(sessionID)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				writeSSE(w, flusher, doneSentinel)
				return
			}
			writeEvent(w, flusher, ev)
			if ev.Type == streaming.EventComplete {
				writeSSE(w, flusher, doneSentinel)
				return
			}
		}
	}
}

type sendRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

// handleStreamSend appends the user message, drives one turn and streams
// its events. With stream:false the handler drains the turn and returns the
// final assistant content as a single JSON body.
func (s *Server) handleStreamSend(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	var req sendRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Message == "" {
		respondError(w, fmt.Errorf("%w: message is required", agent.ErrValidation))
		return
	}

	events, err := s.opts.Stream.StartTurn(r.Context(), sessionID, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}

	if !req.Stream {
		s.drainTurn(w, sessionID, events)
		return
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		respondError(w, fmt.Errorf("streaming unsupported by the connection"))
		return
	}
	for ev := range events {
		writeEvent(w, flusher, ev)
	}
	writeSSE(w, flusher, doneSentinel)
}

// drainTurn consumes the turn without streaming and responds once.
func (s *Server) drainTurn(w http.ResponseWriter, sessionID string, events <-chan streaming.Event) {
	var content string
	var errEvent *streaming.Event
	for ev := range events {
		switch ev.Type {
		case streaming.EventComplete:
			content = ev.Content
		case streaming.EventError:
			copied := ev
			errEvent = &copied
		}
	}

	body := map[string]any{
		"session_id": sessionID,
		"response":   content,
	}
	if errEvent != nil {
		body["error"] = errEvent.Content
		if kind, ok := errEvent.Metadata["kind"]; ok {
			body["error_kind"] = kind
		}
	}
	respond(w, http.StatusOK, body)
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev streaming.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal SSE event", "session_id", ev.SessionID, "error", err)
		return
	}
	writeSSE(w, flusher, string(payload))
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
