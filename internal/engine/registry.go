package engine

import (
	"context"
	"fmt"
)

// Registry holds engines in registration order.
type Registry struct {
	engines   []Engine
	byID      map[string]Engine
	defaultID string
}

func NewRegistry(defaultID string, engines ...Engine) *Registry {
	r := &Registry{byID: make(map[string]Engine), defaultID: defaultID}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds e, replacing any engine with the same id in place.
func (r *Registry) Register(e Engine) {
	if _, exists := r.byID[e.ID()]; exists {
		for i, existing := range r.engines {
			if existing.ID() == e.ID() {
				r.engines[i] = e
			}
		}
	} else {
		r.engines = append(r.engines, e)
	}
	r.byID[e.ID()] = e
}

func (r *Registry) Get(id string) (Engine, bool) {
	e, ok := r.byID[id]
	return e, ok
}

func (r *Registry) All() []Engine {
	return append([]Engine(nil), r.engines...)
}

// Select picks the engine for one invocation: the override when it is
// authenticated, then the first authenticated engine in registration order,
// then the configured default even if unauthenticated.
func (r *Registry) Select(ctx context.Context, override string, cache *AuthCache) (Engine, error) {
	if override != "" {
		if e, ok := r.byID[override]; ok && cache.IsAuthenticated(ctx, e) {
			return e, nil
		}
	}

	for _, e := range r.engines {
		if cache.IsAuthenticated(ctx, e) {
			return e, nil
		}
	}

	if e, ok := r.byID[r.defaultID]; ok {
		return e, nil
	}

	if len(r.engines) == 0 {
		return nil, ErrNoEngine
	}
	return nil, fmt.Errorf("%w: %w (checked %d engines)", ErrNoEngine, ErrNotAuthenticated, len(r.engines))
}
