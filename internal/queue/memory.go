package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryBackend implements Backend with in-process structures: a FIFO list
// plus a priority heap for the main queue, ready-at ordered heaps for the
// retry and rate-limit queues, and an append-only dead-letter list.
// Suitable for single-node deployments and tests.
type MemoryBackend struct {
	mu        sync.Mutex
	connected bool
	seq       uint64

	fifo     []Item
	priority priorityHeap
	delayed  map[Name]*delayedHeap
	dead     []Item

	// notify wakes a blocked Pop when an item lands in the main queue
	notify chan struct{}
}

// NewMemoryBackend creates a new in-process queue backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		delayed: map[Name]*delayedHeap{
			Retry:     {},
			RateLimit: {},
		},
		notify: make(chan struct{}, 1),
	}
}

// Connect initializes the backend.
func (b *MemoryBackend) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Close drops all queued items.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fifo = nil
	b.priority = nil
	b.delayed = map[Name]*delayedHeap{Retry: {}, RateLimit: {}}
	b.dead = nil
	b.connected = false
	return nil
}

// IsConnected returns true if the backend is connected.
func (b *MemoryBackend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Type returns the backend type.
func (b *MemoryBackend) Type() string {
	return "memory"
}

// Push adds an item to the main queue.
func (b *MemoryBackend) Push(ctx context.Context, item Item) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}

	b.seq++
	if item.Priority > 0 {
		heap.Push(&b.priority, orderedItem{item: item, seq: b.seq})
	} else {
		b.fifo = append(b.fifo, item)
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the highest-priority ready item, preferring the priority
// heap and falling back to FIFO order. Returns (nil, nil) on timeout.
func (b *MemoryBackend) Pop(ctx context.Context, timeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(timeout)

	for {
		b.mu.Lock()
		if !b.connected {
			b.mu.Unlock()
			return nil, ErrNotConnected
		}
		item := b.popLocked()
		b.mu.Unlock()

		if item != nil {
			return item, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (b *MemoryBackend) popLocked() *Item {
	if b.priority.Len() > 0 {
		oi := heap.Pop(&b.priority).(orderedItem)
		return &oi.item
	}
	if len(b.fifo) > 0 {
		item := b.fifo[0]
		b.fifo = b.fifo[1:]
		return &item
	}
	return nil
}

// PushDelayed inserts an item into a time-gated queue.
func (b *MemoryBackend) PushDelayed(ctx context.Context, queue Name, item Item, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	h, ok := b.delayed[queue]
	if !ok {
		return ErrUnknownQueue
	}

	b.seq++
	item.ReadyAt = readyAt
	heap.Push(h, orderedItem{item: item, seq: b.seq})
	return nil
}

// PopReady removes and returns every item whose ready-at has elapsed.
func (b *MemoryBackend) PopReady(ctx context.Context, queue Name, now time.Time) ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, ErrNotConnected
	}
	h, ok := b.delayed[queue]
	if !ok {
		return nil, ErrUnknownQueue
	}

	var ready []Item
	for h.Len() > 0 && !(*h)[0].item.ReadyAt.After(now) {
		oi := heap.Pop(h).(orderedItem)
		ready = append(ready, oi.item)
	}
	return ready, nil
}

// PushDead appends an item to the dead-letter queue.
func (b *MemoryBackend) PushDead(ctx context.Context, item Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	b.dead = append(b.dead, item)
	return nil
}

// ListDead returns up to limit dead-letter items without removing them.
func (b *MemoryBackend) ListDead(ctx context.Context, limit int) ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, ErrNotConnected
	}
	if limit <= 0 || limit > len(b.dead) {
		limit = len(b.dead)
	}
	out := make([]Item, limit)
	copy(out, b.dead[:limit])
	return out, nil
}

// RemoveDead removes and returns the dead-letter item with the given ID.
func (b *MemoryBackend) RemoveDead(ctx context.Context, itemID string) (*Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, ErrNotConnected
	}
	for i, item := range b.dead {
		if item.ID == itemID {
			b.dead = append(b.dead[:i], b.dead[i+1:]...)
			return &item, nil
		}
	}
	return nil, nil
}

// Len returns the current size of a queue.
func (b *MemoryBackend) Len(ctx context.Context, queue Name) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return 0, ErrNotConnected
	}
	switch queue {
	case Main:
		return len(b.fifo) + b.priority.Len(), nil
	case Retry, RateLimit:
		return b.delayed[queue].Len(), nil
	case DeadLetter:
		return len(b.dead), nil
	default:
		return 0, ErrUnknownQueue
	}
}

// Flush removes all items from a queue.
func (b *MemoryBackend) Flush(ctx context.Context, queue Name) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return 0, ErrNotConnected
	}
	switch queue {
	case Main:
		n := len(b.fifo) + b.priority.Len()
		b.fifo = nil
		b.priority = nil
		return n, nil
	case Retry, RateLimit:
		n := b.delayed[queue].Len()
		b.delayed[queue] = &delayedHeap{}
		return n, nil
	case DeadLetter:
		n := len(b.dead)
		b.dead = nil
		return n, nil
	default:
		return 0, ErrUnknownQueue
	}
}

// orderedItem pairs an item with an insertion sequence so heap ordering is
// stable for equal keys.
type orderedItem struct {
	item Item
	seq  uint64
}

// priorityHeap orders by descending priority, then insertion order.
type priorityHeap []orderedItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x interface{}) { *h = append(*h, x.(orderedItem)) }
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// delayedHeap orders by ascending ready-at time, then insertion order.
type delayedHeap []orderedItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].item.ReadyAt.Equal(h[j].item.ReadyAt) {
		return h[i].item.ReadyAt.Before(h[j].item.ReadyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(orderedItem)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
