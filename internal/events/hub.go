// Package events fans recorder events out to websocket subscribers.
package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	idleTimeout  = 2 * pingInterval
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is one message on the /events stream.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

type subscriber struct {
	send chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub broadcasts events to every connected client. Publish never blocks;
// a subscriber whose buffer is full misses the event.
type Hub struct {
	sessionID string
	log       *slog.Logger

	mu      sync.Mutex
	seq     uint64
	subs    map[*subscriber]struct{}
	dropped uint64
	closed  bool
}

// NewHub returns a hub stamping events with sessionID.
func NewHub(sessionID string, log *slog.Logger) *Hub {
	return &Hub{
		sessionID: sessionID,
		log:       log,
		subs:      make(map[*subscriber]struct{}),
	}
}

// Publish sends an event of the given kind to all subscribers.
func (h *Hub) Publish(kind string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	ev := Event{Seq: h.seq, Type: kind, SessionID: h.sessionID, Time: time.Now().UTC(), Data: data}
	for sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			h.dropped++
		}
	}
}

// Len is the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts events a slow subscriber missed.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.close()
		delete(h.subs, sub)
	}
}

func (h *Hub) add() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{send: make(chan Event, sendBuffer), done: make(chan struct{})}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the hub is closed. Messages from the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.add()
	if !ok {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}
	defer h.remove(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	h.log.Debug("event subscriber connected", slog.String("remote", r.RemoteAddr))

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	go func() {
		defer sub.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("event subscriber read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	h.writeLoop(conn, sub)
	h.log.Debug("event subscriber disconnected", slog.String("remote", r.RemoteAddr))
}

// writeLoop is the only writer on conn.
func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case ev := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
