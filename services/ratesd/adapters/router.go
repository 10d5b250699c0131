package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "ratecontrol/core/errors"
	"ratecontrol/native/ratecontrol"
)

// Router dispatches fetches to the source registered for an entity.
type Router struct {
	mu       sync.RWMutex
	routes   map[common.Address]ratecontrol.Source
	fallback ratecontrol.Source
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[common.Address]ratecontrol.Source)}
}

// Route binds entity to source.
func (r *Router) Route(entity common.Address, source ratecontrol.Source) {
	r.mu.Lock()
	r.routes[entity] = source
	r.mu.Unlock()
}

// SetFallback serves entities without an explicit route.
func (r *Router) SetFallback(source ratecontrol.Source) {
	r.mu.Lock()
	r.fallback = source
	r.mu.Unlock()
}

// Fetch implements ratecontrol.Source.
func (r *Router) Fetch(ctx context.Context, entity common.Address) (ratecontrol.Sample, error) {
	r.mu.RLock()
	source, ok := r.routes[entity]
	if !ok {
		source = r.fallback
	}
	r.mu.RUnlock()
	if source == nil {
		return ratecontrol.Sample{}, fmt.Errorf("adapters: no source for %s: %w", entity.Hex(), coreerrors.ErrSourceUnavailable)
	}
	return source.Fetch(ctx, entity)
}
