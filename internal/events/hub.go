// Package events fans progress and status events out to websocket
// subscribers.
package events

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

const (
	TypeClipMarked      = "clip.marked"
	TypeExportQueued    = "export.queued"
	TypeExportProgress  = "export.progress"
	TypeExportCompleted = "export.completed"
	TypeExportFailed    = "export.failed"
	TypeUploadCompleted = "upload.completed"
	TypeUploadRetrying  = "upload.retrying"
	TypeUploadFailed    = "upload.failed"
	TypeCaptureStarted  = "capture.started"
	TypeCaptureStopped  = "capture.stopped"
)

// Event is one message on the stream.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// subscriberBuffer bounds how far a subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// Hub distributes events. Publish never blocks: a full subscriber misses
// the event.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logging.WithComponent(logger, "events"),
		subs:   make(map[chan Event]struct{}),
	}
}

// Publish sends an event of type typ to every subscriber.
func (h *Hub) Publish(typ string, data any) {
	ev := Event{Type: typ, Time: time.Now().UTC(), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts events not delivered to full subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers is the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || IsLoopbackOrigin(origin)
	},
}

// IsLoopbackOrigin accepts only http(s) origins whose host is localhost,
// 127.0.0.1 or ::1, with an optional valid port and nothing else.
func IsLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return false
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return false
		}
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ServeWS upgrades the request and streams events as JSON until the client
// goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	// Reads only detect the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	h.logger.Debug("event subscriber connected", "remote_addr", r.RemoteAddr)
	for {
		select {
		case <-done:
			h.logger.Debug("event subscriber disconnected", "remote_addr", r.RemoteAddr)
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
