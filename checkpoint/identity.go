package checkpoint

import (
	"context"
	"sync"
)

// Identity is the backend session id of one session as a future. It is
// created empty when the session opens and resolved by the router once the
// engine reports its id. A later Resolve with a different id (a re-init
// after resume) replaces the value; waiters that already returned keep
// the id they saw.
type Identity struct {
	done  chan struct{}
	value string
	mu    sync.RWMutex
}

// NewIdentity returns an unresolved identity.
func NewIdentity() *Identity {
	return &Identity{done: make(chan struct{})}
}

// ResolvedIdentity returns an identity that is already known, as for a
// resumed session.
func ResolvedIdentity(id string) *Identity {
	i := NewIdentity()
	i.Resolve(id)
	return i
}

// Resolve sets the id. Empty ids are ignored.
func (i *Identity) Resolve(id string) {
	if id == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	first := i.value == ""
	i.value = id
	if first {
		close(i.done)
	}
}

// Peek returns the current id without waiting.
func (i *Identity) Peek() (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.value, i.value != ""
}

// Done is closed once the id is first resolved.
func (i *Identity) Done() <-chan struct{} { return i.done }

// Wait blocks until the id is known or ctx ends.
func (i *Identity) Wait(ctx context.Context) (string, error) {
	select {
	case <-i.done:
		id, _ := i.Peek()
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
