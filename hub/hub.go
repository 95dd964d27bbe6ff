// Package hub pushes item events to connected WebSocket clients.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docutag/capture/models"
	"github.com/gorilla/websocket"
)

const writeTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // API is CORS-open as well
	},
}

// client is one connection plus its optional bucket filter
type client struct {
	bucketID string
}

// Hub fans events out to every connected client
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]client
	closed  bool
}

// Stats describes the connected clients
type Stats struct {
	Clients int `json:"clients"`
}

// New creates an empty hub
func New() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]client),
	}
}

// Publish sends event to every client whose filter matches. Clients that
// cannot be written to are dropped.
func (h *Hub) Publish(event models.Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}

	bucketID := ""
	if event.Item != nil {
		bucketID = event.Item.BucketID
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ws, c := range h.clients {
		if c.bucketID != "" && c.bucketID != bucketID {
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Debug("dropping websocket client", "remote", ws.RemoteAddr().String(), "error", err)
			_ = ws.Close()
			delete(h.clients, ws)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. ?bucket= limits the stream to one bucket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !h.add(ws, client{bucketID: r.URL.Query().Get("bucket")}) {
		_ = ws.Close()
		return
	}
	slog.Info("websocket client connected", "remote", ws.RemoteAddr().String())

	// Incoming messages are ignored; reading detects the disconnect
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(ws)
	slog.Info("websocket client disconnected", "remote", ws.RemoteAddr().String())
}

func (h *Hub) add(ws *websocket.Conn, c client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[ws] = c
	return true
}

func (h *Hub) remove(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, ws)
	h.mu.Unlock()
	_ = ws.Close()
}

// Stats returns the number of connected clients
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Clients: len(h.clients)}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ws := range h.clients {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		_ = ws.Close()
		delete(h.clients, ws)
	}
}
