// Package ws is a minimal websocket hub: clients bind to a subscription id
// and receive its notification payloads.
package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The hub carries no credentials; cross-origin clients are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connected clients per subscription id.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool
}

// NewHub builds an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "ws").Logger(),
		clients: map[string]map[*websocket.Conn]bool{},
	}
}

// Serve upgrades the request and binds the connection to a subscription.
// It blocks until the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, subscriptionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.add(subscriptionID, conn)
	defer h.remove(subscriptionID, conn)

	// Drain control frames; the hub never expects client data.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// Send pushes a payload to every client bound to the subscription.
func (h *Hub) Send(subscriptionID string, payload []byte) error {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[subscriptionID]))
	for conn := range h.clients[subscriptionID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug().Err(err).Str("subscription", subscriptionID).Msg("dropping websocket client")
			h.remove(subscriptionID, conn)
		}
	}
	return nil
}

func (h *Hub) add(subscriptionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[subscriptionID] == nil {
		h.clients[subscriptionID] = map[*websocket.Conn]bool{}
	}
	h.clients[subscriptionID][conn] = true
}

func (h *Hub) remove(subscriptionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns := h.clients[subscriptionID]; conns != nil {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, subscriptionID)
		}
	}
	conn.Close()
}
