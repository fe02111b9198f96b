package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

type subscriber struct {
	clientID string
	ch       chan Batch
}

// Hub broadcasts batches to live subscribers such as SSE streams. A
// subscriber whose buffer is full misses the batch instead of blocking
// delivery.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped map[string]int64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		dropped: make(map[string]int64),
	}
}

// Subscribe registers for batches of clientID, or of every client when
// clientID is empty. The returned cancel func unregisters and closes the channel.
func (h *Hub) Subscribe(clientID string) (<-chan Batch, func()) {
	s := &subscriber{clientID: clientID, ch: make(chan Batch, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many batches for clientID were dropped on full buffers.
func (h *Hub) Dropped(clientID string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped[clientID]
}

func (h *Hub) Deliver(_ context.Context, b Batch) error {
	h.mu.RLock()
	var full []*subscriber
	for s := range h.subs {
		if s.clientID != "" && s.clientID != b.ClientID {
			continue
		}
		select {
		case s.ch <- b:
		default:
			full = append(full, s)
		}
	}
	h.mu.RUnlock()

	if len(full) > 0 {
		h.mu.Lock()
		h.dropped[b.ClientID] += int64(len(full))
		h.mu.Unlock()
	}
	return nil
}
