package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fintrack/internal/events"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Hub pushes events to connected UI clients over WebSocket.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	logger  *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ServeHTTP upgrades the request and holds the connection until the client
// leaves or the hub closes. Client messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", total).Msg("Client connected")

	closed := conn.CloseRead(h.ctx)
	<-closed.Done()
	h.remove(conn, websocket.StatusNormalClosure)
}

// HandleEvent forwards a bus event to every client.
func (h *Hub) HandleEvent(event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug().Err(err).Msg("Dropping unresponsive client")
			h.remove(conn, websocket.StatusPolicyViolation)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	// Close frames go out before the read loops are cancelled.
	for conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.cancel()
}

func (h *Hub) remove(conn *websocket.Conn, code websocket.StatusCode) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		_ = conn.Close(code, "")
		h.logger.Debug().Int("clients", total).Msg("Client disconnected")
	}
}
