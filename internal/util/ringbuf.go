package util

import "sync"

// RingBuffer is a fixed-capacity FIFO. When full, Push overwrites the oldest
// element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity (at least 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item and reports whether the oldest one was overwritten.
func (r *RingBuffer[T]) Push(item T) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.count++
	return false
}

// Drain removes and returns every element, oldest first.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.count)
	var zero T
	for i := 0; i < r.count; i++ {
		j := (r.head + i) % len(r.buf)
		out[i] = r.buf[j]
		r.buf[j] = zero
	}
	r.head, r.count = 0, 0
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
