// Package emitter provides a single-value observable.
//
// An Emitter holds a current value and synchronously notifies subscribers,
// in subscription order, whenever Update stores a value that differs from
// the current one. Updates equal to the current value are suppressed.
package emitter

import "sync"

// Subscription identifies a registered callback.
// Go funcs are not comparable, so Subscribe hands out a handle instead.
type Subscription uint64

type subscriber[T any] struct {
	id Subscription
	fn func(T)
}

// Emitter is a single-slot observable value. Safe for concurrent use.
//
// Callbacks run on the goroutine that called Update, outside the emitter's
// lock. A callback that calls Update on the same emitter recurses.
type Emitter[T any] struct {
	mu     sync.Mutex
	value  T
	equal  func(a, b T) bool
	subs   []subscriber[T]
	nextID Subscription
}

// New creates an emitter for a comparable type using == equality.
func New[T comparable](initial T) *Emitter[T] {
	return NewFunc(initial, func(a, b T) bool { return a == b })
}

// NewFunc creates an emitter with a caller-supplied equality function.
// Use for slices and maps.
func NewFunc[T any](initial T, equal func(a, b T) bool) *Emitter[T] {
	return &Emitter[T]{value: initial, equal: equal}
}

// Value returns the current value.
func (e *Emitter[T]) Value() T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Update stores v and notifies subscribers. It reports whether the value changed;
// an update equal to the current value is a no-op.
func (e *Emitter[T]) Update(v T) bool {
	e.mu.Lock()
	if e.equal(e.value, v) {
		e.mu.Unlock()
		return false
	}
	e.value = v
	subs := make([]subscriber[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
	return true
}

// Subscribe registers fn and returns its handle.
func (e *Emitter[T]) Subscribe(fn func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.subs = append(e.subs, subscriber[T]{id: e.nextID, fn: fn})
	return e.nextID
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (e *Emitter[T]) Unsubscribe(s Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub.id == s {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

