package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/observability/logging"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Hub streams completion notifications to websocket clients. Slow clients
// lose notifications instead of stalling the completion handler.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan models.Response
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan models.Response)}
}

// Broadcast sends resp to every connected client. Its signature matches
// pipeline.Listener.
func (h *Hub) Broadcast(_ context.Context, resp models.Response) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, send := range h.clients {
		select {
		case send <- resp:
		default:
			logger := logging.WithJob("event-hub", resp.OperationName)
			logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("Client buffer full, dropping notification")
		}
	}
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
	defer h.mu.Unlock()
	h.closed = true
	for conn, send := range h.clients {
		close(send)
		delete(h.clients, conn)
	}
}

func (h *Hub) register(conn *websocket.Conn) (chan models.Response, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	send := make(chan models.Response, clientBuffer)
	h.clients[conn] = send
	return send, true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.clients[conn]; ok {
		close(send)
		delete(h.clients, conn)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades the request and streams notifications until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithComponent("event-hub")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	send, ok := h.register(conn)
	if !ok {
		conn.Close()
		return
	}
	logger.Info().Int("clients", h.Clients()).Msg("Client connected")

	// Reads only detect disconnects.
	go func() {
		defer h.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for resp := range send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			logger.Warn().Err(err).Msg("Write to client failed")
			break
		}
	}
	conn.Close()
	logger.Info().Msg("Client disconnected")
}
