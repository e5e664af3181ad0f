package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/fjellstad/voxd/internal/model"
)

// Message is a real-time notification pushed to UI clients: upload progress,
// capture state changes, and backup status.
type Message struct {
	Type        string         `json:"type"`
	RecordingID string         `json:"recording_id,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ProgressMessage wraps a delivery progress checkpoint for broadcast.
func ProgressMessage(p model.UploadProgress) Message {
	extra := map[string]any{
		"stage":   string(p.Stage),
		"percent": p.Percent,
	}
	if p.Error != "" {
		extra["error"] = p.Error
	}
	return Message{Type: "upload_progress", RecordingID: p.RecordingID, Extra: extra}
}

// CaptureMessage wraps a capture session event for broadcast.
func CaptureMessage(event, recordingID string, detail map[string]any) Message {
	return Message{Type: event, RecordingID: recordingID, Extra: detail}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop rather than block the broadcaster
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
