// Package streaming pushes bus events to WebSocket clients in real time.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/logger"
	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
)

// StreamEvent is the JSON envelope pushed to stream clients. SessionID is
// set only for session-scoped events; those reach only clients subscribed
// to that session, everything else reaches every client.
type StreamEvent struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub fans stream events out to connected WebSocket clients.
type Hub struct {
	clients map[*Client]bool

	// Clients by session ID for scoped message routing
	sessionClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *StreamEvent

	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub builds a hub with no clients and no bus attachment.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *StreamEvent, 256),
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Attach subscribes the hub to the event subjects it streams: session
// messages, task lifecycle, and registry changes. The bus handler only
// enqueues, so publishers are never blocked by slow stream clients.
func (h *Hub) Attach(eventBus bus.EventBus) error {
	subjects := []string{
		events.BuildMessageWildcardSubject(),
		events.BuildTaskWildcardSubject(),
		events.BuildAgentWildcardSubject(),
	}
	for _, subject := range subjects {
		sub, err := eventBus.Subscribe(subject, h.handleEvent)
		if err != nil {
			h.Detach()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Detach unsubscribes the hub from the event bus.
func (h *Hub) Detach() {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("Failed to unsubscribe stream source", zap.Error(err))
		}
	}
	h.subs = nil
}

func (h *Hub) handleEvent(ctx context.Context, event *bus.Event) error {
	se := &StreamEvent{
		Type:      event.Type,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}
	if event.Type == events.MessageSent {
		if sid, ok := event.Data["session_id"].(string); ok {
			se.SessionID = sid
		}
	}

	select {
	case h.broadcast <- se:
	default:
		h.logger.Warn("Stream buffer full, dropping event", zap.String("type", event.Type))
	}
	return nil
}

// Run owns the register/unregister/broadcast loop until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Stream hub running")
	defer h.logger.Info("Stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.sessionClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Stream client joined", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClient(client)
			h.mu.Unlock()
			h.logger.Debug("Stream client left", zap.String("client_id", client.ID))

		case se := <-h.broadcast:
			h.deliver(se)
		}
	}
}

// dropClient removes a client and its subscriptions. Caller holds h.mu;
// the send channel is closed at most once because removal from clients
// always accompanies the close.
func (h *Hub) dropClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for sessionID, clients := range h.sessionClients {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionID)
		}
	}
}

func (h *Hub) deliver(se *StreamEvent) {
	h.mu.RLock()
	var targets []*Client
	if se.SessionID != "" {
		for client := range h.sessionClients[se.SessionID] {
			targets = append(targets, client)
		}
	} else {
		for client := range h.clients {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(se)
	if err != nil {
		h.logger.Error("Failed to marshal stream event", zap.Error(err))
		return
	}

	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			// A full send buffer means the client stopped reading.
			h.mu.Lock()
			h.dropClient(client)
			h.mu.Unlock()
		}
	}
}

// Register hands a new client to the run loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister hands a departing client to the run loop.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeClient adds the client to a session's scoped audience.
func (h *Hub) SubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionClients[sessionID]; !ok {
		h.sessionClients[sessionID] = make(map[*Client]bool)
	}
	h.sessionClients[sessionID][client] = true
	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// UnsubscribeClient drops the client from a session's audience.
func (h *Hub) UnsubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.sessionClients[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionID)
		}
	}
	h.logger.Debug("Client unsubscribed from session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// GetClientCount reports how many clients are connected.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetSessionSubscriberCount reports a session's audience size.
func (h *Hub) GetSessionSubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.sessionClients[sessionID]; ok {
		return len(clients)
	}
	return 0
}
