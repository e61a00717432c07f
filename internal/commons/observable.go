package commons

import "sync"

// Observable holds a value and notifies subscribers on every change.
// Listeners run synchronously on the goroutine that called Set, after the
// lock is released, so a listener may read Get or call Set again.
type Observable[T any] struct {
	mu        sync.RWMutex
	value     T
	nextID    int
	listeners map[int]func(prev, next T)
}

func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{
		value:     initial,
		listeners: make(map[int]func(prev, next T)),
	}
}

func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

func (o *Observable[T]) Set(next T) {
	o.Update(func(T) T { return next })
}

// Update applies fn to the current value atomically and notifies listeners
// with the previous and new value.
func (o *Observable[T]) Update(fn func(current T) T) T {
	o.mu.Lock()
	prev := o.value
	o.value = fn(prev)
	next := o.value
	listeners := make([]func(prev, next T), 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()

	for _, l := range listeners {
		l(prev, next)
	}
	return next
}

// Subscribe registers fn and returns the function that removes it.
func (o *Observable[T]) Subscribe(fn func(prev, next T)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}
