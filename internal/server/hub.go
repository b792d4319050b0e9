package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// hmrMessage is the wire format pushed to development clients. The client
// compares hash against its loaded module and re-fetches when they differ.
type hmrMessage struct {
	Type     string `json:"type"`
	ModuleID string `json:"moduleId"`
	Hash     string `json:"hash,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans module events out to connected HMR clients.
type Hub struct {
	allowedHosts []string
	log          logging.Logger

	register   chan *client
	unregister chan *websocket.Conn
	broadcast  chan []byte

	clientsMutex sync.RWMutex
	clients      map[*websocket.Conn]*client
}

// NewHub creates an HMR hub accepting websocket origins on the given hosts
// (host:port values).
func NewHub(allowedHosts []string, log logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{
		allowedHosts: allowedHosts,
		log:          log.WithComponent("hmr"),
		register:     make(chan *client),
		unregister:   make(chan *websocket.Conn),
		broadcast:    make(chan []byte, 64),
		clients:      make(map[*websocket.Conn]*client),
	}
}

// Run drives the hub until the context is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.clientsMutex.Lock()
			h.clients[c.conn] = c
			n := len(h.clients)
			h.clientsMutex.Unlock()
			h.log.Debug(ctx, "hmr client connected", "total", n)

		case conn := <-h.unregister:
			h.clientsMutex.Lock()
			if c, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				close(c.send)
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			n := len(h.clients)
			h.clientsMutex.Unlock()
			h.log.Debug(ctx, "hmr client disconnected", "total", n)

		case message := <-h.broadcast:
			h.clientsMutex.RLock()
			var failed []*websocket.Conn
			for conn, c := range h.clients {
				select {
				case c.send <- message:
				default:
					failed = append(failed, conn)
				}
			}
			h.clientsMutex.RUnlock()

			// Drop clients whose send buffer backed up, outside the read lock.
			if len(failed) > 0 {
				h.clientsMutex.Lock()
				for _, conn := range failed {
					if c, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						close(c.send)
						_ = conn.Close(websocket.StatusNormalClosure, "")
					}
				}
				h.clientsMutex.Unlock()
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()
	for conn, c := range h.clients {
		delete(h.clients, conn)
		close(c.send)
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Publish pushes one module event to every connected client.
func (h *Hub) Publish(event types.ModuleEvent) {
	msg, err := json.Marshal(hmrMessage{
		Type:     string(event.Type),
		ModuleID: event.ModuleID,
		Hash:     event.Hash,
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		// Broadcast queue full, drop the event; clients resync on reload.
	}
}

// ListenModuleEvents forwards graph events into the hub until the channel
// closes or the context is canceled.
func (h *Hub) ListenModuleEvents(ctx context.Context, events <-chan types.ModuleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.Publish(event)
		}
	}
}

// HandleWebSocket upgrades an HTTP request to an HMR websocket connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
	}
	go h.writePump(c)
	go h.readPump(c)
	h.register <- c
}

// checkOrigin validates the request origin against the configured hosts.
// Browser HMR connections always carry an Origin header.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}
	for _, allowed := range h.allowedHosts {
		if originURL.Host == allowed {
			return true
		}
	}
	return false
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c.conn
	}()

	c.conn.SetReadLimit(maxMessageSize)
	ctx := context.Background()
	for {
		readCtx, cancel := context.WithTimeout(ctx, pongWait)
		_, _, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.log.Debug(ctx, "hmr read ended", "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// AllowedDevHosts builds the origin allow-list for a dev server bound to
// host:port.
func AllowedDevHosts(host string, port int) []string {
	hosts := []string{
		fmt.Sprintf("%s:%d", host, port),
		fmt.Sprintf("localhost:%d", port),
		fmt.Sprintf("127.0.0.1:%d", port),
	}
	return hosts
}
