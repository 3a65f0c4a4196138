// Package fanout delivers messages to in-process subscribers without ever
// blocking the publisher.
package fanout

import (
	"context"
	"sync"
)

// Everyone tags a publisher whose messages reach every subscriber, or a
// subscriber that is nobody's own publisher.
const Everyone int64 = -1

// Hub fans messages out to buffered subscriber streams. A subscriber whose
// buffer is full misses the message.
type Hub[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	origin int64
	stream chan T
}

// NewHub returns a Hub whose streams buffer bufferSize messages.
func NewHub[T any](bufferSize int) *Hub[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Hub[T]{
		subscribers: make(map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for origin. Messages published by the same
// origin are not delivered back to it. The stream is unregistered when ctx
// ends or cleanup runs, whichever comes first.
func (h *Hub[T]) Subscribe(ctx context.Context, origin int64) (<-chan T, func()) {
	h.mu.Lock()
	h.nextID++
	sub := &subscriber[T]{
		id:     h.nextID,
		origin: origin,
		stream: make(chan T, h.bufferSize),
	}
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub.id)
			h.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to every subscriber except those registered for
// origin. Everyone reaches all of them.
func (h *Hub[T]) Publish(origin int64, message T) {
	h.mu.RLock()
	if len(h.subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*subscriber[T], 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if origin != Everyone && sub.origin == origin {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// Len reports the number of registered subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
