// Package events provides the topic subscription primitive used by ports,
// the signaling client and the SPA façade.
package events

import "sync"

// Emitter delivers values to handlers subscribed by topic. Handlers for a
// topic run in subscription order, on the goroutine that calls Emit.
type Emitter[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewEmitter returns an empty emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[string][]subscription[T])}
}

// On registers fn for topic and returns a function that removes it.
func (e *Emitter[T]) On(topic string, fn func(T)) (cancel func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[topic] = append(e.subs[topic], subscription[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() { e.off(topic, id) }
}

// Once registers fn for a single delivery on topic.
func (e *Emitter[T]) Once(topic string, fn func(T)) (cancel func()) {
	var once sync.Once
	var stop func()
	ready := make(chan struct{})
	stop = e.On(topic, func(v T) {
		once.Do(func() {
			<-ready
			stop()
			fn(v)
		})
	})
	close(ready)
	return stop
}

func (e *Emitter[T]) off(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subs[topic]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Copy so an Emit iterating the old slice is unaffected.
		next := make([]subscription[T], 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(e.subs, topic)
		} else {
			e.subs[topic] = next
		}
		return
	}
}

// Emit calls every handler registered for topic and reports how many ran.
// The handler list is snapshotted first, so handlers may subscribe or
// unsubscribe while being called.
func (e *Emitter[T]) Emit(topic string, v T) int {
	e.mu.RLock()
	subs := e.subs[topic]
	e.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
	return len(subs)
}

// Has reports whether topic has at least one handler.
func (e *Emitter[T]) Has(topic string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[topic]) > 0
}
