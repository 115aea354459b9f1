package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/portal/internal/metrics"
)

// Event is one entry of the admin live feed.
type Event struct {
	Type           string    `json:"type"`
	PortID         int64     `json:"port_id,omitempty"`
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	CustomerID     int64     `json:"customer_id,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	At             time.Time `json:"at"`
}

// Hub fans events out to connected admin clients. Slow clients drop events
// rather than block the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.LiveFeedClients.Set(float64(n))
}

// Unregister removes a client and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.LiveFeedClients.Set(float64(n))
}

// Publish stamps ev if needed and sends it to every client that wants its type.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal feed event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("feed event dropped", "type", ev.Type, "clients", dropped)
		metrics.LiveFeedDropped.Add(float64(dropped))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
