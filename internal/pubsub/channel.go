// Package pubsub provides an in-process broadcast channel. Every listener owns
// a private queue and receives its own copy of each published message.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrListenersAttached is returned by Channel.Close while listeners remain
// registered.
var ErrListenersAttached = errors.New("pubsub: channel closed with listeners attached")

// Waiter is the blocking primitive shared by a channel and its listeners.
// Wait is called with l held and must return with l held again.
type Waiter interface {
	Wait(l sync.Locker)
	NotifyAll()
}

// CondWaiter adapts sync.Cond to Waiter.
type CondWaiter struct {
	cond *sync.Cond
}

// NewCondWaiter returns a Waiter bound to mu.
func NewCondWaiter(mu sync.Locker) *CondWaiter {
	return &CondWaiter{cond: sync.NewCond(mu)}
}

// Wait blocks until NotifyAll. l must be the locker the waiter was built with.
func (w *CondWaiter) Wait(sync.Locker) { w.cond.Wait() }

// NotifyAll wakes every goroutine blocked in Wait.
func (w *CondWaiter) NotifyAll() { w.cond.Broadcast() }

// WaiterFactory builds the Waiter for a channel from the channel's mutex.
type WaiterFactory func(mu sync.Locker) Waiter

// Channel broadcasts messages of type T to its listeners.
type Channel[T any] struct {
	mu        sync.Mutex
	waiter    Waiter
	listeners map[*Listener[T]]struct{}
}

// NewChannel returns a channel backed by sync.Cond.
func NewChannel[T any]() *Channel[T] {
	return New[T](func(mu sync.Locker) Waiter { return NewCondWaiter(mu) })
}

// New returns a channel using the Waiter produced by factory.
func New[T any](factory WaiterFactory) *Channel[T] {
	c := &Channel[T]{listeners: make(map[*Listener[T]]struct{})}
	c.waiter = factory(&c.mu)
	return c
}

// NewListener registers and returns an active listener.
func (c *Channel[T]) NewListener() *Listener[T] {
	l := &Listener[T]{owner: c, active: true}
	c.mu.Lock()
	c.listeners[l] = struct{}{}
	c.mu.Unlock()
	return l
}

// Listeners reports how many listeners are registered.
func (c *Channel[T]) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Publish delivers msg to every listener.
func (c *Channel[T]) Publish(msg T) {
	c.PublishFunc(func() T { return msg })
}

// PublishFunc calls fn only when at least one listener is registered. fn runs
// without the channel lock held; its result is queued on every listener that
// is registered when the lock is re-acquired.
func (c *Channel[T]) PublishFunc(fn func() T) {
	c.mu.Lock()
	empty := len(c.listeners) == 0
	c.mu.Unlock()
	if empty {
		return
	}

	msg := fn()

	c.mu.Lock()
	defer c.mu.Unlock()
	for l := range c.listeners {
		l.queue = append(l.queue, msg)
	}
	c.waiter.NotifyAll()
}

// Close checks that every listener has been closed.
func (c *Channel[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.listeners) != 0 {
		return ErrListenersAttached
	}
	return nil
}

// Listener receives messages published on its channel.
type Listener[T any] struct {
	owner  *Channel[T]
	queue  []T
	active bool
}

// Listen blocks until a message is queued or the listener is cancelled. The
// boolean is false after cancellation.
func (l *Listener[T]) Listen() (T, bool) {
	c := l.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	for l.active && len(l.queue) == 0 {
		c.waiter.Wait(&c.mu)
	}
	return l.takeLocked()
}

// ListenContext behaves like Listen but also returns when ctx ends.
func (l *Listener[T]) ListenContext(ctx context.Context) (T, bool, error) {
	c := l.owner
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.waiter.NotifyAll()
			c.mu.Unlock()
		case <-stop:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for l.active && len(l.queue) == 0 {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, false, err
		}
		c.waiter.Wait(&c.mu)
	}
	msg, ok := l.takeLocked()
	return msg, ok, nil
}

// Pop returns the next queued message without blocking.
func (l *Listener[T]) Pop() (T, bool) {
	c := l.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(l.queue) == 0 {
		var zero T
		return zero, false
	}
	return l.popLocked(), true
}

// Cancel deactivates the listener and wakes any blocked Listen call.
func (l *Listener[T]) Cancel() {
	c := l.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	l.active = false
	c.waiter.NotifyAll()
}

// Active reports whether the listener has not been cancelled.
func (l *Listener[T]) Active() bool {
	c := l.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	return l.active
}

// Close deregisters the listener from its channel and wakes any blocked
// Listen call.
func (l *Listener[T]) Close() {
	c := l.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, l)
	l.active = false
	l.queue = nil
	c.waiter.NotifyAll()
}

func (l *Listener[T]) takeLocked() (T, bool) {
	if !l.active {
		var zero T
		return zero, false
	}
	return l.popLocked(), true
}

func (l *Listener[T]) popLocked() T {
	msg := l.queue[0]
	var zero T
	l.queue[0] = zero
	l.queue = l.queue[1:]
	return msg
}
