package registry

import "sync"

// Guarded is one independently locked subsystem value. Every field of the
// Registry that is mutated after startup lives behind its own Guarded, so a
// slow writer on one subsystem never stalls readers of another.
type Guarded[T any] struct {
	mu sync.RWMutex
	v  T
}

func NewGuarded[T any](v T) *Guarded[T] { return &Guarded[T]{v: v} }

// WithLocked runs fn with exclusive access. The lock is released however fn
// returns, including by panic.
func (g *Guarded[T]) WithLocked(fn func(v *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.v)
}

// Read runs fn with shared access. fn must not modify *v.
func (g *Guarded[T]) Read(fn func(v *T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(&g.v)
}

// TryRead runs fn only if shared access is available right now.
func (g *Guarded[T]) TryRead(fn func(v *T)) bool {
	if !g.mu.TryRLock() {
		return false
	}
	defer g.mu.RUnlock()
	fn(&g.v)
	return true
}

// Load returns a shallow copy of the value.
func (g *Guarded[T]) Load() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.v
}

func (g *Guarded[T]) Store(v T) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

// Update is WithLocked for callers that need a result out of the critical section.
func Update[T, R any](g *Guarded[T], fn func(v *T) R) R {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.v)
}

// View is Read for callers that need a result out of the critical section.
func View[T, R any](g *Guarded[T], fn func(v *T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(&g.v)
}
