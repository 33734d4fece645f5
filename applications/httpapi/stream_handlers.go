package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/erasure-engine/engine/infrastructure/stream"
)

// streamTopics is the exact externally-documented topic list (§6/§4.14);
// any other value in the {topic} path segment is rejected.
var streamTopics = map[string]struct{}{
	"workflow-status":          {},
	"error-notifications":      {},
	"completion-notifications": {},
}

// streamHandler serves the three canonical StreamManager topics over SSE
// and websocket, both reading the same underlying stream.Stream port
// StreamManager republishes onto — this package owns no event state of
// its own.
type streamHandler struct {
	streamPort stream.Stream
	upgrader   websocket.Upgrader
}

func newStreamHandler(streamPort stream.Stream) *streamHandler {
	return &streamHandler{
		streamPort: streamPort,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *streamHandler) routes(mux *http.ServeMux) {
	mountRoutes(mux,
		route{pattern: "/stream/", method: http.MethodGet, handler: requireRole(h.sse, RoleComplianceOfficer, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin)},
		route{pattern: "/ws/", method: http.MethodGet, handler: requireRole(h.websocketStream, RoleComplianceOfficer, RoleLegalCounsel, RoleAuditor, RoleSystemAdmin)},
	)
}

func (h *streamHandler) parseTopic(prefix string, r *http.Request) (string, error) {
	topic := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if _, ok := streamTopics[topic]; !ok {
		return "", fmt.Errorf("unknown stream topic %q", topic)
	}
	return topic, nil
}

// sse implements GET /stream/{topic}?workflowId= over text/event-stream.
func (h *streamHandler) sse(w http.ResponseWriter, r *http.Request) {
	topic, err := h.parseTopic("/stream", r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub, err := h.streamPort.Subscribe(r.Context(), topic, stream.Filter{GroupID: r.URL.Query().Get("workflowId")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// websocketStream implements GET /ws/{topic}?workflowId= for clients that
// prefer a persistent bidirectional socket over SSE's one-way stream.
func (h *streamHandler) websocketStream(w http.ResponseWriter, r *http.Request) {
	topic, err := h.parseTopic("/ws", r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	sub, err := h.streamPort.Subscribe(r.Context(), topic, stream.Filter{GroupID: r.URL.Query().Get("workflowId")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer sub.Cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
