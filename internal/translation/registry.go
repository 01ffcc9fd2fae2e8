package translation

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry scopes bootstrappers per client. Least recently used clients are evicted
// and their bootstrappers closed once the registry is full.
type Registry struct {
	mu       sync.Mutex
	clients  *lru.Cache[string, *Bootstrapper]
	newFn    func() *Bootstrapper
	onResize func(size int)
}

// NewRegistry creates a registry holding at most size bootstrappers built by newFn.
func NewRegistry(size int, newFn func() *Bootstrapper, onResize func(size int)) (*Registry, error) {
	clients, err := lru.NewWithEvict(size, func(_ string, b *Bootstrapper) {
		b.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client registry: %w", err)
	}
	return &Registry{
		clients:  clients,
		newFn:    newFn,
		onResize: onResize,
	}, nil
}

// Get returns the bootstrapper of clientID, creating it on first use.
func (r *Registry) Get(clientID string) *Bootstrapper {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.clients.Get(clientID); ok {
		return b
	}

	b := r.newFn()
	r.clients.Add(clientID, b)
	if r.onResize != nil {
		r.onResize(r.clients.Len())
	}
	return b
}

// Peek returns the bootstrapper of clientID without creating or touching it.
func (r *Registry) Peek(clientID string) (*Bootstrapper, bool) {
	return r.clients.Peek(clientID)
}

// Close closes every bootstrapper.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients.Purge()
	if r.onResize != nil {
		r.onResize(0)
	}
}
