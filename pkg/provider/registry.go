package provider

import (
	"context"
	"fmt"
	"sync"
)

// Registry is a name-keyed collection of providers with one marked as
// the default. It is instantiated explicitly rather than via package
// init side effects since providers carry live API credentials.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under name, optionally marking it the default.
func (r *Registry) Register(name string, p Provider, makeDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	if makeDefault || r.defaultName == "" {
		r.defaultName = name
	}
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider: %q not registered", name)
	}
	return p, nil
}

func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultName == "" {
		return nil, fmt.Errorf("provider: no default provider registered")
	}
	return r.providers[r.defaultName], nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// RouteRule is one predicate in a ModelRouter's ordered rule list.
type RouteRule struct {
	Name      string
	Predicate func(req Request) bool
	Provider  string // registry key
}

// ModelRouter picks a provider for a request by evaluating an ordered
// list of predicate rules, falling back to a default provider name.
// The first rule whose predicate matches AND whose provider reports
// IsAvailable wins; ties fall through to the next rule.
type ModelRouter struct {
	registry    *Registry
	rules       []RouteRule
	defaultName string
}

func NewModelRouter(registry *Registry, defaultName string) *ModelRouter {
	return &ModelRouter{registry: registry, defaultName: defaultName}
}

func (m *ModelRouter) AddRule(rule RouteRule) {
	m.rules = append(m.rules, rule)
}

// Resolve returns the provider that should serve req.
func (m *ModelRouter) Resolve(ctx context.Context, req Request) (Provider, error) {
	for _, rule := range m.rules {
		if rule.Predicate == nil || !rule.Predicate(req) {
			continue
		}
		p, err := m.registry.Get(rule.Provider)
		if err != nil || !p.IsAvailable(ctx) {
			continue
		}
		return p, nil
	}
	if m.defaultName != "" {
		if p, err := m.registry.Get(m.defaultName); err == nil && p.IsAvailable(ctx) {
			return p, nil
		}
	}
	if p, err := m.registry.Default(); err == nil && p.IsAvailable(ctx) {
		return p, nil
	}
	return nil, ErrNoProviderAvailable
}
