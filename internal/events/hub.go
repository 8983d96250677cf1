// Package events streams operator-facing notifications (reconciliation
// reports, roster imports, backup status) to websocket subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gryphonracing/rosterlink/internal/metrics"
)

// Event is one notification. Type is "<entity>_<action>".
type Event struct {
	Type   string    `json:"type"`
	Entity string    `json:"entity"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

func NewEvent(entity, action string, data any) Event {
	return Event{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		At:     time.Now().UTC(),
		Data:   data,
	}
}

// Hub fans events out to every connected client. A nil *Hub drops events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)
}

// Publish queues e for every client. Slow clients miss events rather than
// block the publisher.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("marshal event", "type", e.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(e.Entity) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("event dropped for slow subscriber", "type", e.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
