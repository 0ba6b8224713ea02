package platform

import (
	"context"
	"sync"

	apperrors "github.com/trendpipe/backend/internal/errors"
)

// Registry dispatches to the adapter registered for each platform
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its platform
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for p
func (r *Registry) Get(p Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[p]
	if !ok {
		return nil, apperrors.NotFound("adapter for platform " + string(p))
	}
	return a, nil
}

// Platforms returns the registered platforms in declaration order
func (r *Registry) Platforms() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Platform, 0, len(r.adapters))
	for _, p := range All {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Available returns the registered platforms whose adapter currently reports available
func (r *Registry) Available(ctx context.Context) []Platform {
	var out []Platform
	for _, p := range r.Platforms() {
		a, err := r.Get(p)
		if err == nil && a.IsAvailable(ctx) {
			out = append(out, p)
		}
	}
	return out
}
