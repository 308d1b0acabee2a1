package api

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tiger/blackbox-orchestrator/api/interaction"
)

// subscriberBuffer bounds how far a websocket client may fall behind before
// it is dropped.
const subscriberBuffer = 64

type subscriber struct {
	send chan []byte
}

// Hub fans interaction progress out to websocket subscribers. Publish never
// blocks the pipeline.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "progress_hub"),
		clients: make(map[*subscriber]struct{}),
	}
}

// Publish is shaped to be used as the orchestrator's progress observer.
func (h *Hub) Publish(p interaction.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.Warn("progress not encodable", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		select {
		case sub.send <- data:
		default:
			delete(h.clients, sub)
			close(sub.send)
			h.logger.Warn("dropped slow progress subscriber")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{send: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.clients[sub] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("progress subscriber connected", "clients", count)
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.clients[sub]; ok {
		delete(h.clients, sub)
		close(sub.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("progress subscriber disconnected", "clients", count)
}
