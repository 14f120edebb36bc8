package quit

import "sync"

// Ref is a non-owning handle to a collaborator. The owner calls Release when
// the collaborator is torn down; holders must check Get before every use.
type Ref[T any] struct {
	mu    sync.RWMutex
	value T
	live  bool
}

// NewRef returns a live reference to v.
func NewRef[T any](v T) *Ref[T] {
	return &Ref[T]{value: v, live: true}
}

// Get returns the referenced value while it is live. A nil Ref is never live.
func (r *Ref[T]) Get() (T, bool) {
	if r == nil {
		var zero T
		return zero, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.live
}

// Release marks the referenced value as gone.
func (r *Ref[T]) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	r.value = zero
	r.live = false
}
