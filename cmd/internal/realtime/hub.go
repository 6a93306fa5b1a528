package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"

	v1 "quill/shared/contracts/ui/v1"
)

// Hub is the set of connected UI clients and the fanout over them.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	dropped atomic.Uint64
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Join adds a client to the fanout set.
func (h *Hub) Join(client *Client) {
	if h == nil || client == nil || client.ConnID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.ConnID] = client
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("hub.client.join", "conn_id", client.ConnID, "clients", n)
}

// Leave removes a client and signals shutdown for it.
func (h *Hub) Leave(connID string) {
	if h == nil || connID == "" {
		return
	}

	h.mu.Lock()
	cl := h.clients[connID]
	delete(h.clients, connID)
	n := len(h.clients)
	h.mu.Unlock()

	// Close after removal so no broadcaster holds a client being torn down.
	if cl != nil {
		cl.Close()
	}

	h.log.Info("hub.client.leave", "conn_id", connID, "clients", n)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many envelopes were dropped under backpressure.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast fans env out to every client. Slow clients miss the envelope.
func (h *Hub) Broadcast(env v1.Envelope) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		if c == nil {
			continue
		}
		if !c.offer(env) {
			h.dropped.Add(1)
			h.log.Debug("hub.broadcast.drop", "conn_id", id, "type", env.Type)
		}
	}
}
