// Package waitreg correlates asynchronous completion signals with callers
// blocked waiting for them.
//
// A caller registers a waiter under a request id before submitting the
// request, then blocks on Wait. The completion side calls Resolve with the
// same id from any goroutine. Resolution is at-most-once: the first Resolve
// removes the waiter from the registry and signals it, every later Resolve
// (including one arriving after a timeout) finds nothing and is a no-op.
package waitreg

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome is the resolution delivered to a waiter.
type Outcome int

const (
	// Done means the request completed successfully.
	Done Outcome = iota
	// Failed means the request ended in an error or was stopped.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is returned by Wait when no resolution arrives in time.
	ErrTimeout = errors.New("wait timed out")

	// ErrDuplicate is returned by Register when the id is already waiting.
	ErrDuplicate = errors.New("waiter already registered")
)

// Waiter is a one-shot synchronization handle for a single request id.
type Waiter struct {
	id     string
	signal chan Outcome
}

// ID returns the request id the waiter is keyed by.
func (w *Waiter) ID() string { return w.id }

// Registry maps request ids to waiters. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{waiters: make(map[string]*Waiter)}
}

// Register inserts a waiter for id.
func (r *Registry) Register(id string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiters[id]; exists {
		return nil, ErrDuplicate
	}
	w := &Waiter{id: id, signal: make(chan Outcome, 1)}
	r.waiters[id] = w
	return w, nil
}

// Resolve removes the waiter for id, if present, and hands it the outcome.
// It reports whether a waiter was found.
func (r *Registry) Resolve(id string, outcome Outcome) bool {
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	// The channel has one slot and only the goroutine that removed the waiter
	// from the map can reach this send, so it never blocks.
	w.signal <- outcome
	return true
}

// Remove drops the waiter for id without signalling it.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiters[id]; !ok {
		return false
	}
	delete(r.waiters, id)
	return true
}

// Len returns the number of waiters currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Wait blocks until w is resolved, timeout elapses, or ctx is done. On
// timeout or cancellation the waiter is removed so a late Resolve is dropped.
// A non-positive timeout means only ctx bounds the wait.
func (r *Registry) Wait(ctx context.Context, w *Waiter, timeout time.Duration) (Outcome, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case o := <-w.signal:
		return o, nil
	case <-expired:
		return r.abandon(w, ErrTimeout)
	case <-ctx.Done():
		return r.abandon(w, ctx.Err())
	}
}

// abandon removes w after a failed wait. If a Resolve already took the waiter
// out of the map its send is imminent, so its outcome wins.
func (r *Registry) abandon(w *Waiter, cause error) (Outcome, error) {
	if r.Remove(w.id) {
		return Failed, cause
	}
	return <-w.signal, nil
}
