package hub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docutag/capture/models"
	"github.com/gorilla/websocket"
)

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + query
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Clients != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, h.Stats().Clients)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublish(t *testing.T) {
	h := New()
	server := httptest.NewServer(h)
	defer server.Close()
	defer h.Close()

	all := dial(t, server, "")
	filtered := dial(t, server, "?bucket=other")
	waitForClients(t, h, 2)

	item := models.CaptureItem{ID: "item-1", BucketID: "inbox", Title: "Hello"}
	h.Publish(models.Event{Type: models.EventItemEnriched, ItemID: item.ID, Item: &item})

	var got models.Event
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := all.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != models.EventItemEnriched || got.ItemID != "item-1" {
		t.Errorf("Unexpected event: %+v", got)
	}
	if got.Item == nil || got.Item.Title != "Hello" {
		t.Errorf("Expected item payload, got %+v", got.Item)
	}
	if got.At.IsZero() {
		t.Error("Expected timestamp to be filled in")
	}

	// The filtered client only sees its own bucket
	filtered.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := filtered.ReadJSON(&got); err == nil {
		t.Errorf("Expected no event for a different bucket, got %+v", got)
	}
}

func TestDisconnectRemovesClient(t *testing.T) {
	h := New()
	server := httptest.NewServer(h)
	defer server.Close()
	defer h.Close()

	ws := dial(t, server, "")
	waitForClients(t, h, 1)

	ws.Close()
	waitForClients(t, h, 0)

	// Publishing with no clients is a no-op
	h.Publish(models.Event{Type: models.EventItemDeleted, ItemID: "gone"})
}

func TestClose(t *testing.T) {
	h := New()
	server := httptest.NewServer(h)
	defer server.Close()

	ws := dial(t, server, "")
	waitForClients(t, h, 1)

	h.Close()
	if n := h.Stats().Clients; n != 0 {
		t.Errorf("Expected no clients after Close, got %d", n)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("Expected connection to be closed")
	}
}
