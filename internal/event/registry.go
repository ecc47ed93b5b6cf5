// Package event provides a typed listener registry.
package event

import "sync"

// Registry holds listeners for values of type T. The zero value is ready to use.
type Registry[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it. Calling remove more than once is harmless.
func (r *Registry[T]) Add(fn func(T)) (remove func()) {
	r.mu.Lock()
	r.next++
	id := r.next
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { r.remove(id) }) }
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Publish calls every listener in registration order. Listeners may add or remove
// listeners while being called; changes take effect on the next Publish.
func (r *Registry[T]) Publish(v T) {
	r.mu.RLock()
	snapshot := make([]entry[T], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()
	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len reports the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
