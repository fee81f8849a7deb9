package provider

import (
	"fmt"
	"sync"
)

// Quality tiers a caller can request.
const (
	QualityPremium = "premium"
	QualityCheap   = "cheap"
)

// Router picks a provider for a request by quality tier or task type and
// produces fallback chains when the primary fails.
type Router struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	order      []string
	premium    string
	cheap      string
	taskRoutes map[string][]string
	defaults   []string
}

// NewRouter builds an empty router. Providers register in a stable order that
// fallback chains follow.
func NewRouter() *Router {
	return &Router{
		providers:  make(map[string]Provider),
		taskRoutes: make(map[string][]string),
	}
}

// Register adds a provider. The first registration becomes the default
// fallback head unless routes say otherwise.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
	r.defaults = append([]string{}, r.order...)
}

// SetPremium designates the high-quality tier provider.
func (r *Router) SetPremium(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.premium = name
}

// SetCheap designates the low-cost tier provider.
func (r *Router) SetCheap(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cheap = name
}

// Route maps a task type to an ordered provider preference list.
func (r *Router) Route(taskType string, providerNames ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskRoutes[taskType] = providerNames
}

// Select returns the provider for a quality tier and task type: explicit
// premium/cheap tiers first, then the task-type mapping, then the global
// default list.
func (r *Router) Select(quality, taskType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch quality {
	case QualityPremium:
		if p, ok := r.providers[r.premium]; ok {
			return p, nil
		}
	case QualityCheap:
		if p, ok := r.providers[r.cheap]; ok {
			return p, nil
		}
	}
	if names, ok := r.taskRoutes[taskType]; ok {
		for _, name := range names {
			if p, ok := r.providers[name]; ok {
				return p, nil
			}
		}
	}
	for _, name := range r.defaults {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider registered for quality=%q task=%q", quality, taskType)
}

// FallbackChain returns every registered provider except current, in
// registration order.
func (r *Router) FallbackChain(current string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []Provider
	for _, name := range r.order {
		if name == current {
			continue
		}
		chain = append(chain, r.providers[name])
	}
	return chain
}
