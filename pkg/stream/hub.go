// Package stream fans directory events out to websocket subscribers.
// The server publishes "root.updated" after every ledger append,
// "cosignature" when a witness attestation is accepted and
// "peer-registered" when a peer is created.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 32

// Event is one broadcast message. Data carries the event's JSON payload.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub is a best-effort broadcaster. A subscriber that cannot keep up
// loses events rather than blocking the publisher; the ledger write path
// must never wait on a slow websocket.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call repeatedly.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to every subscriber with buffer room.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
