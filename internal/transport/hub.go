package transport

import (
	"context"
	"fmt"
	"sync"
)

const hubBuffer = 64

// Hub is an in-process transport. Every node registered on the same Hub can
// reach every other.
type Hub struct {
	mu     sync.RWMutex
	queues map[string]chan Message
	closed bool
}

func NewHub() *Hub {
	return &Hub{queues: map[string]chan Message{}}
}

func (h *Hub) queue(node string) chan Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[node]
	if !ok {
		q = make(chan Message, hubBuffer)
		h.queues[node] = q
	}
	return q
}

// Send queues msg for its target, blocking while the target's queue is full
// until ctx ends.
func (h *Hub) Send(ctx context.Context, msg Message) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return fmt.Errorf("hub closed")
	}
	select {
	case h.queue(msg.Target) <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", msg.Target, ctx.Err())
	}
}

// Subscribe starts delivering node's messages to handler on a new goroutine.
func (h *Hub) Subscribe(ctx context.Context, node string, handler Handler) error {
	q := h.queue(node)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-q:
				handler(msg)
			}
		}
	}()
	return nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

var _ Transport = (*Hub)(nil)
