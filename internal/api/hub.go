package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/config"
	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Event channels a client may subscribe to.
const (
	ChannelStateChanged    = "spa.state_changed"
	ChannelCommandResolved = "command.resolved"
)

var knownChannels = map[string]bool{
	ChannelStateChanged:    true,
	ChannelCommandResolved: true,
}

// Hub fans bridge events out to WebSocket clients. It implements
// bridge.Observer: register it with the bridge and every new snapshot and
// resolved command reaches subscribed clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	// lastState is the encoded spa.state_changed event for the newest
	// snapshot, replayed to clients when they subscribe.
	lastState []byte
}

// NewHub returns a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send queue. Calling it twice
// is harmless.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	client.closeSend()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SnapshotChanged broadcasts snap on spa.state_changed.
func (h *Hub) SnapshotChanged(snap spa.Snapshot) {
	data, ok := h.encodeEvent(ChannelStateChanged, newSpaResponse(snap))
	if !ok {
		return
	}
	h.mu.Lock()
	h.lastState = data
	h.mu.Unlock()
	h.broadcast(ChannelStateChanged, data)
}

// CommandResolved broadcasts a final outcome on command.resolved.
func (h *Hub) CommandResolved(out engine.Outcome) {
	if data, ok := h.encodeEvent(ChannelCommandResolved, newCommandResponse(out)); ok {
		h.broadcast(ChannelCommandResolved, data)
	}
}

func (h *Hub) encodeEvent(channel string, payload any) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return nil, false
	}
	return data, true
}

// broadcast queues data for every client subscribed to channel. The hub
// lock is released before touching client locks.
func (h *Hub) broadcast(channel string, data []byte) {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.isSubscribed(channel) && c.trySend(data) {
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("websocket event sent", "channel", channel, "recipients", sent)
	}
}

// currentState returns the cached state event, if any snapshot has been
// seen.
func (h *Hub) currentState() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastState
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.closeSend()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}
