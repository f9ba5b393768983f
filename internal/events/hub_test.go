package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapthumb/snapthumb/internal/logger"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return conn
}

func waitFor(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Len() = %d, want %d", h.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_Publish(t *testing.T) {
	h := NewHub(logger.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	defer a.Close()
	defer b.Close()
	waitFor(t, h, 2)

	h.Publish("export_completed", map[string]interface{}{"id": "abc", "size_bytes": 1234})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var msg struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if msg.Type != "export_completed" || msg.Data["id"] != "abc" {
			t.Errorf("unexpected message %+v", msg)
		}
	}
}

func TestHub_Disconnect(t *testing.T) {
	h := NewHub(logger.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, h, 1)

	conn.Close()
	waitFor(t, h, 0)

	// Publishing with no clients is a no-op.
	h.Publish("export_failed", map[string]string{"id": "x", "error": "boom"})
}

func TestHub_Close(t *testing.T) {
	h := NewHub(logger.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	waitFor(t, h, 1)

	h.Close()
	if h.Len() != 0 {
		t.Errorf("Len() after Close() = %d", h.Len())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read error after Close()")
	}
}
