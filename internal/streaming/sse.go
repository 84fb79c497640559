package streaming

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/agentflow/internal/logging"
)

// SSEHandler streams hub events to HTTP clients as Server-Sent Events.
// Query parameters: execution_id, and types (comma separated).
type SSEHandler struct {
	hub    EventHub
	logger *slog.Logger
}

// NewSSEHandler creates an SSE handler over hub.
func NewSSEHandler(hub EventHub, logger *slog.Logger) *SSEHandler {
	return &SSEHandler{hub: hub, logger: logging.OrDiscard(logger)}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter := EventFilter{ExecutionID: r.URL.Query().Get("execution_id")}
	if types := r.URL.Query().Get("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	ch, cancel, err := h.hub.Subscribe(r.Context(), filter)
	if err != nil {
		h.logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		}
	}
}
