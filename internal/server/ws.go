package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// changeEvent is what the feed pushes: the table that changed, nothing
// more. Clients refetch through the API rather than patching state.
type changeEvent struct {
	Table string `json:"table"`
}

// Hub fans table-change events out to every connected websocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast queues a change event on every client; a client that cannot
// keep up is dropped rather than allowed to stall the feed.
func (h *Hub) Broadcast(table string) {
	payload, _ := json.Marshal(changeEvent{Table: table})

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			go c.close()
		}
	}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// close detaches the client. The send channel is left open so a
// concurrent Broadcast can never hit a closed channel; the client is
// unreachable once removed from the hub.
func (c *wsClient) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkWSOrigin applies the API's CORS origin policy to the websocket
// handshake. No configured origins admits any, matching rs/cors; requests
// without an Origin header are non-browser clients and pass.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.wsOrigins) == 0 {
		return true
	}
	for _, o := range s.wsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// handleWS upgrades an authenticated connection and attaches it to the
// change feed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identityFromRequest(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 16)}
	s.hub.add(c)
	go c.writePump()
	go c.readPump()
}
