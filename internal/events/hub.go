// Package events streams app state changes to local subscribers over
// WebSocket. The hub is best-effort: slow subscribers are disconnected
// rather than allowed to stall the update manager.
package events

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/sysupdate-agent/internal/logging"
	"github.com/breeze-rmm/sysupdate-agent/internal/updates"
)

var log = logging.L("events")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 // subscribers only send control frames

	sendBuffer      = 64
	broadcastBuffer = 256
)

// EventAppChanged is emitted whenever an app's state, version or
// progress changes.
const EventAppChanged = "app_changed"

// Event is one message pushed to subscribers.
type Event struct {
	Type string          `json:"type"`
	App  updates.AppInfo `json:"app"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub accepts WebSocket subscribers on a localhost address and fans
// app change events out to them. It implements updates.Notifier.
type Hub struct {
	addr string

	broadcast  chan Event
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	stopOnce   sync.Once

	dropped     atomic.Uint64
	subscribers atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// subscriber is one connected WebSocket client.
type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

// NewHub creates a hub that will listen on addr once started.
func NewHub(addr string) *Hub {
	return &Hub{
		addr:       addr,
		broadcast:  make(chan Event, broadcastBuffer),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Start binds the listen address and begins serving subscribers.
func (h *Hub) Start() error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("events: listen %s: %w", h.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", h.serveWS)
	server := &http.Server{Handler: mux}

	h.mu.Lock()
	h.listener = listener
	h.server = server
	h.mu.Unlock()

	go h.run()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("events server failed", "error", err)
		}
	}()

	log.Info("events hub listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or the configured one before
// Start.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// Close disconnects all subscribers and stops the listener.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		server := h.server
		h.mu.Unlock()
		if server != nil {
			server.Close()
		}
		log.Info("events hub stopped")
	})
}

// AppChanged implements updates.Notifier. It must not block: the
// manager calls it while holding its lock, so a full broadcast buffer
// drops the event instead of waiting.
func (h *Hub) AppChanged(info updates.AppInfo) {
	ev := Event{Type: EventAppChanged, App: info}
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the broadcast
// buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	return int(h.subscribers.Load())
}

// run owns the subscriber set. Registration, removal and fan-out all
// pass through here, so the map needs no lock.
func (h *Hub) run() {
	subs := make(map[*subscriber]struct{})

	for {
		select {
		case <-h.done:
			for sub := range subs {
				close(sub.send)
				sub.conn.Close()
			}
			h.subscribers.Store(0)
			return

		case sub := <-h.register:
			subs[sub] = struct{}{}
			h.subscribers.Store(int64(len(subs)))
			log.Debug("subscriber connected", "remote", sub.conn.RemoteAddr().String(), "count", len(subs))

		case sub := <-h.unregister:
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				close(sub.send)
				h.subscribers.Store(int64(len(subs)))
			}

		case ev := <-h.broadcast:
			for sub := range subs {
				select {
				case sub.send <- ev:
				default:
					log.Warn("disconnecting slow event subscriber", "remote", sub.conn.RemoteAddr().String())
					delete(subs, sub)
					close(sub.send)
				}
			}
			h.subscribers.Store(int64(len(subs)))
		}
	}
}

// serveWS upgrades a subscriber connection. The upgrader's default
// origin check refuses cross-origin browser pages.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := &subscriber{
		hub:  h,
		conn: conn,
		send: make(chan Event, sendBuffer),
	}

	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	go sub.writePump()
	sub.readPump()
}

// readPump consumes control frames until the peer goes away. Any data
// a subscriber sends is ignored.
func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("subscriber read error", "error", err)
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				log.Debug("subscriber write error", "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
