// Package ringbuffer реализует ограниченный кольцевой буфер:
// при переполнении новое значение вытесняет самое старое.
package ringbuffer

import (
	"fmt"
	"sync"
)

// RingBuffer — потокобезопасный буфер фиксированной емкости.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // индекс самого старого элемента
	size  int
}

// New создает буфер емкостью capacity (> 0).
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuffer: capacity must be positive, got %d", capacity)
	}
	return &RingBuffer[T]{items: make([]T, capacity)}, nil
}

// Push добавляет элемент, вытесняя самый старый при заполненном буфере.
func (rb *RingBuffer[T]) Push(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < len(rb.items) {
		rb.items[(rb.head+rb.size)%len(rb.items)] = item
		rb.size++
		return
	}
	rb.items[rb.head] = item
	rb.head = (rb.head + 1) % len(rb.items)
}

// GetAll возвращает копию содержимого от старых к новым.
func (rb *RingBuffer[T]) GetAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]T, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.items[(rb.head+i)%len(rb.items)]
	}
	return out
}

// Last возвращает до n самых новых элементов (от старых к новым).
func (rb *RingBuffer[T]) Last(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.size {
		n = rb.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	start := rb.size - n
	for i := 0; i < n; i++ {
		out[i] = rb.items[(rb.head+start+i)%len(rb.items)]
	}
	return out
}

func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

func (rb *RingBuffer[T]) Cap() int {
	return len(rb.items)
}

// Clear очищает буфер, сохраняя емкость.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for i := range rb.items {
		rb.items[i] = zero
	}
	rb.head = 0
	rb.size = 0
}
