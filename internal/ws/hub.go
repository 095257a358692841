package ws

import (
	"sync"

	"cashflow/internal/domain"
	"cashflow/internal/logger"
)

// Hub fans applied consolidation rows out to the subscribers of each merchant
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[c.MerchantID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subscribers[c.MerchantID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[c.MerchantID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.Send)
	if len(set) == 0 {
		delete(h.subscribers, c.MerchantID)
	}
}

// Subscribers returns the number of clients watching merchantID
func (h *Hub) Subscribers(merchantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[merchantID])
}

// Broadcast never blocks the consumer: a subscriber whose buffer is full is dropped
func (h *Hub) Broadcast(c domain.DailyConsolidation) {
	h.mu.RLock()
	set := h.subscribers[c.MerchantID]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	frame, err := consolidationFrame(c)
	if err != nil {
		h.mu.RUnlock()
		logger.Error("encode consolidation frame", "error", err, "merchant_id", c.MerchantID)
		return
	}

	var slow []*Client
	for client := range set {
		select {
		case client.Send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		logger.Warn("dropping slow websocket subscriber", "merchant_id", client.MerchantID)
		h.Unregister(client)
	}
}
