package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub(logging.Discard())
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeExportProgress, map[string]any{"percent": 50})

	select {
	case ev := <-ch:
		if ev.Type != TypeExportProgress {
			t.Errorf("type = %q", ev.Type)
		}
		if ev.Time.IsZero() {
			t.Error("event time not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	h := NewHub(logging.Discard())
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(TypeExportProgress, i)
	}

	if len(ch) != subscriberBuffer {
		t.Fatalf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
	if h.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", h.Dropped())
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(logging.Discard())
	ch, cancel := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}

	cancel()
	cancel()
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers after cancel = %d", h.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	h.Publish(TypeClipMarked, nil)
}

func TestHub_ServeWS(t *testing.T) {
	h := NewHub(logging.Discard())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(TypeExportCompleted, map[string]string{"export_id": "e1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != TypeExportCompleted {
		t.Errorf("type = %q", ev.Type)
	}
	data, _ := ev.Data.(map[string]any)
	if data["export_id"] != "e1" {
		t.Errorf("data = %v", ev.Data)
	}
}

func TestIsLoopbackOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"https://127.0.0.1", true},
		{"http://[::1]:8787", true},
		{"http://localhost.evil.com", false},
		{"http://127.0.0.1:8787.evil.com", false},
		{"http://evil.com/?x=://localhost", false},
		{"http://localhost:3000/path", false},
		{"file://localhost", false},
		{"null", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackOrigin(tt.origin); got != tt.want {
			t.Errorf("IsLoopbackOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestHub_ServeWS_RejectsForeignOrigin(t *testing.T) {
	h := NewHub(logging.Discard())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	for _, origin := range []string{"http://localhost.evil.com", "http://127.0.0.1:8787.evil.com"} {
		header := http.Header{"Origin": []string{origin}}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if err == nil {
			conn.Close()
			t.Fatalf("origin %q was accepted", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("origin %q: response = %v, want 403", origin, resp)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://localhost:5173"}})
	if err != nil {
		t.Fatalf("loopback origin rejected: %v", err)
	}
	conn.Close()
}
