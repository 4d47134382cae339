// Package ipc – ws.go pushes state to operator tools. Clients get a
// full snapshot every ~5 s (identical snapshots are skipped) plus
// immediate event frames for cron fires, workflow transitions and the
// like.
package ipc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// snapshotInterval paces the periodic state push.
const snapshotInterval = 5 * time.Second

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Loopback only; the bearer token is the access control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Type    string `json:"type"` // "snapshot" or "event"
	Event   string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type wsHub struct {
	snapshot func() any
	logger   *slog.Logger

	mu           sync.Mutex
	clients      map[*websocket.Conn]bool
	lastSnapshot []byte

	stop chan struct{}
	wg   sync.WaitGroup
}

func newWSHub(snapshot func() any, logger *slog.Logger) *wsHub {
	return &wsHub{
		snapshot: snapshot,
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
		stop:     make(chan struct{}),
	}
}

func (h *wsHub) start() {
	h.wg.Add(1)
	go h.loop()
}

func (h *wsHub) stopHub() {
	close(h.stop)
	h.wg.Wait()
	h.mu.Lock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.mu.Unlock()
}

func (h *wsHub) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.pushSnapshot()
		}
	}
}

func (h *wsHub) pushSnapshot() {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	data, err := json.Marshal(wsFrame{Type: "snapshot", Payload: h.snapshot()})
	if err != nil {
		h.logger.Warn("snapshot marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	if bytes.Equal(data, h.lastSnapshot) {
		h.mu.Unlock()
		return
	}
	h.lastSnapshot = data
	h.broadcastLocked(data)
	h.mu.Unlock()
}

func (h *wsHub) publish(event string, payload any) {
	data, err := json.Marshal(wsFrame{Type: "event", Event: event, Payload: payload})
	if err != nil {
		h.logger.Warn("event marshal failed", "event", event, "error", err)
		return
	}
	h.mu.Lock()
	h.broadcastLocked(data)
	h.mu.Unlock()
}

func (h *wsHub) broadcastLocked(data []byte) {
	for c := range h.clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *wsHub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *wsHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

// handleWS upgrades the connection. The token arrives as ?token= since
// browser WebSocket clients cannot set headers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != s.token && !s.authorized(r) {
		s.logger.Warn("unauthorized ws upgrade", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s.hub.add(conn)
	s.logger.Debug("ws client connected", "remote", r.RemoteAddr)

	// Drain control frames until the client goes away.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
