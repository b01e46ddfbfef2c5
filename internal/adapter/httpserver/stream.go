package httpserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/taskqueue/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is read-only state; cross-origin dashboards are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans lifecycle events out to WebSocket subscribers. Publish never
// blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	log    *slog.Logger
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn *websocket.Conn
	send chan domain.Event
	once sync.Once
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, subs: map[*subscriber]struct{}{}}
}

// Publish implements domain.EventBus.
func (h *Hub) Publish(e domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- e:
		default:
			// Slow consumer; cut it loose rather than stall the scheduler.
			delete(h.subs, sub)
			sub.close()
			h.log.Warn("dropped slow event stream subscriber")
		}
	}
}

// Subscribers returns the number of live connections.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		sub.close()
	}
}

// StreamHandler handles GET /v1/jobs/stream: upgrades the connection and
// pushes events until the client goes away.
func (h *Hub) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		sub := &subscriber{conn: conn, send: make(chan domain.Event, sendBufferSize)}
		if !h.register(sub) {
			_ = conn.Close()
			return
		}
		h.log.Info("event stream subscriber connected", slog.String("remote", r.RemoteAddr))

		go h.writePump(sub)
		h.readPump(sub)
	}
}

// writePump serializes events to the socket, interleaved with pings.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case e, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; its only job is noticing disconnects.
func (h *Hub) readPump(sub *subscriber) {
	defer h.unregister(sub)
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
