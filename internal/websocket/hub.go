package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/gflix/internal/metrics"
)

// Message is an entitlement change notification pushed to an account's clients.
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     int64          `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action string, id int64, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// Hub tracks connected clients per account. Messages only reach the clients of the
// account they are addressed to.
type Hub struct {
	mu       sync.RWMutex
	accounts map[int64]map[*Client]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		accounts: make(map[int64]map[*Client]struct{}),
		logger:   logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.accounts[c.accountID]
	if !ok {
		set = make(map[*Client]struct{})
		h.accounts[c.accountID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.WebsocketClients.Inc()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := false
	if set, ok := h.accounts[c.accountID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			removed = true
		}
		if len(set) == 0 {
			delete(h.accounts, c.accountID)
		}
	}
	h.mu.Unlock()
	if removed {
		metrics.WebsocketClients.Dec()
	}
}

// SendTo delivers a message to every client of the account.
func (h *Hub) SendTo(accountID int64, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.accounts[accountID] {
		select {
		case c.send <- data:
		default:
			// Client buffer full: drop the message rather than block
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.accounts {
		n += len(set)
	}
	return n
}

// CloseAll drops every client. Their streams end with a going-away close frame.
// http.Server.Shutdown does not reach hijacked connections, so this runs on shutdown.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	n := 0
	for id, set := range h.accounts {
		for c := range set {
			close(c.send)
			n++
		}
		delete(h.accounts, id)
	}
	h.mu.Unlock()
	metrics.WebsocketClients.Sub(float64(n))
	return n
}
