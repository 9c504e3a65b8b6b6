// Package stream bridges the execution core's per-execution message stores
// (internal/execution/msgstore) onto websocket clients through a
// hub-and-client broadcast: one hub goroutine owns the client registry and
// fans each message out to per-client send buffers.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/msgstore"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// Client represents a websocket connection subscribed to one execution's
// log stream.
type Client struct {
	ID          string
	conn        *websocket.Conn
	executionID string
	send        chan []byte
	hub         *Hub
	logger      *logger.Logger
}

// NewClient creates a client bound to a single execution id. A stream
// client only ever follows one execution — a diff/log subscriber
// reconnects with a new client to follow a different one.
func NewClient(id, executionID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		executionID: executionID,
		send:        make(chan []byte, 256),
		hub:         hub,
		logger:      log.WithFields(zap.String("client_id", id), zap.String("execution_process_id", executionID)),
	}
}

// Hub fans log messages out to every client subscribed to an execution.
type Hub struct {
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	executionID string
	message     v1.LogMessage
}

// NewHub creates an empty execution-stream hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMessage, 256),
		logger:     log.WithFields(zap.String("component", "execution_stream_hub")),
	}
}

// Run processes register/unregister/broadcast events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("execution stream hub started")
	defer h.logger.Info("execution stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.executionID] == nil {
				h.clients[client.executionID] = make(map[*Client]bool)
			}
			h.clients[client.executionID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.executionID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.executionID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.clients[msg.executionID]
			h.mu.RUnlock()
			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.message)
			if err != nil {
				h.logger.Error("failed to marshal log message", zap.Error(err))
				continue
			}

			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Backpressure policy: drop the slow connection rather
					// than block the producer (the exit monitor / diff
					// engine feeding this hub).
					h.mu.Lock()
					if clients, ok := h.clients[msg.executionID]; ok {
						if _, ok := clients[client]; ok {
							delete(clients, client)
							close(client.send)
						}
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast fans a log message out to every subscriber of executionID.
func (h *Hub) Broadcast(executionID string, msg v1.LogMessage) {
	h.broadcast <- broadcastMessage{executionID: executionID, message: msg}
}

// BridgeStore drains store's live subscription into the hub until the
// store finishes or ctx is cancelled, replaying history first so a client
// that attaches mid-execution still sees everything produced so far.
func BridgeStore(ctx context.Context, hub *Hub, executionID string, store *msgstore.Store) {
	for _, msg := range store.GetHistory() {
		hub.Broadcast(executionID, msg)
	}
	if store.IsFinished() {
		return
	}

	ch, unsubscribe := store.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			hub.Broadcast(executionID, msg)
			if msg.IsFinished() {
				return
			}
		}
	}
}
