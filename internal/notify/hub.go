// Package notify wakes long-polling receivers when a queue gets new messages.
package notify

import (
	"context"
	"sync"
	"time"
)

// Hub is an in-process, per-queue wakeup broadcaster. A subscriber gets a
// channel that is closed by the next Publish for its queue.
type Hub struct {
	mu     sync.Mutex
	queues map[string]*subscription
}

// subscription is the pending wakeup for one queue. The entry is dropped when
// it fires or when its last waiter leaves, so queue names that never see an
// enqueue do not accumulate.
type subscription struct {
	ch      chan struct{}
	waiters int
}

func NewHub() *Hub {
	return &Hub{queues: make(map[string]*subscription)}
}

// Subscribe returns a channel closed on the next Publish(queue), and a
// cancel func the caller must call once it stops waiting. Subscribe before
// checking the queue so a publish in between is not missed.
func (h *Hub) Subscribe(queue string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.queues[queue]
	if !ok {
		sub = &subscription{ch: make(chan struct{})}
		h.queues[queue] = sub
	}
	sub.waiters++

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.unsubscribe(queue, sub) })
	}
}

func (h *Hub) unsubscribe(queue string, sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Already published and replaced, or removed.
	if h.queues[queue] != sub {
		return
	}
	sub.waiters--
	if sub.waiters <= 0 {
		delete(h.queues, queue)
	}
}

// Pending is the number of queues with at least one waiter.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues)
}

func (h *Hub) Publish(queue string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.queues[queue]; ok {
		close(sub.ch)
		delete(h.queues, queue)
	}
}

// PublishAll wakes every subscriber, used after a listener reconnect when
// notifications may have been lost.
func (h *Hub) PublishAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for q, sub := range h.queues {
		close(sub.ch)
		delete(h.queues, q)
	}
}

// Wait blocks until ch fires, timeout passes or ctx is done. It reports
// whether ch fired.
func Wait(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
