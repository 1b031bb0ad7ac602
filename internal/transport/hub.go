package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aegisproxy/aegis/internal/audit"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin host must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// Hub fans live audit entries out to WebSocket clients on /audit/live.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger

	unsubscribe func()
	done        chan struct{}
}

// NewHub creates a hub subscribed to the audit log's live feed.
func NewHub(log *audit.Log, allowAllOrigins bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:  make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "transport.Hub"),
		done:     make(chan struct{}),
	}

	entries, unsubscribe := log.Subscribe()
	h.unsubscribe = unsubscribe
	go h.pump(entries)
	return h
}

func (h *Hub) pump(entries <-chan audit.Entry) {
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			h.broadcast(e)
		case <-h.done:
			return
		}
	}
}

// Close detaches from the audit feed and drops all clients.
func (h *Hub) Close() {
	h.unsubscribe()
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades the connection and registers it for the feed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	h.logger.Debug("audit feed client connected", "remote", conn.RemoteAddr())

	// Read pump: detects client disconnect.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("audit feed client disconnected", "remote", conn.RemoteAddr())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast writes one entry to every client. Dead connections are
// collected under the read lock and removed under the write lock.
func (h *Hub) broadcast(e audit.Entry) {
	msg, err := json.Marshal(map[string]any{
		"type": "audit",
		"data": e,
	})
	if err != nil {
		h.logger.Error("marshal audit feed message failed", "error", err)
		return
	}

	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected feed clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
