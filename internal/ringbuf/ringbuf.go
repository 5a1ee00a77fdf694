// Package ringbuf provides a bounded, concurrency-safe history buffer.
package ringbuf

import "sync"

// Buffer keeps the most recent items up to a fixed capacity.
// Pushing into a full buffer drops the oldest item.
type Buffer[T any] struct {
	mu      sync.RWMutex
	items   []T
	next    int // next write position
	size    int // number of items held
	dropped uint64
}

// New creates a buffer holding at most capacity items. A capacity below 1
// is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends item, evicting the oldest item when full.
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.next] = item
	b.next = (b.next + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	} else {
		b.dropped++
	}
}

// All returns a copy of the held items, oldest first, or nil when empty.
func (b *Buffer[T]) All() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}

	start := 0
	if b.size == len(b.items) {
		start = b.next
	}
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.items[(start+i)%len(b.items)]
	}
	return out
}

// Last returns the most recently pushed item.
func (b *Buffer[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.items[(b.next-1+len(b.items))%len(b.items)], true
}

// Dropped returns how many items were evicted.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
