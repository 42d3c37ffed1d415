package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a provider from its configuration block.
type Factory func(cfg map[string]string) (Provider, error)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
	}
}

// RegisterFactory makes a provider type available to LoadProvider.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Register installs an already constructed provider under name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// LoadProvider initializes and registers a provider. Loading an already
// loaded provider is a no-op.
func (r *Registry) LoadProvider(name string, cfg map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	f, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s (available: %v)", name, r.namesLocked())
	}

	p, err := f(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize provider %s: %w", name, err)
	}
	r.providers[name] = p
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// Fleet returns the named provider's fleet surface.
func (r *Registry) Fleet(name string) (FleetProvider, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	fp, ok := p.(FleetProvider)
	if !ok {
		return nil, fmt.Errorf("provider %s does not manage fleets", name)
	}
	return fp, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Router returns the named provider's traffic router, if it has one.
func (r *Registry) Router(name string) (Router, bool) {
	p, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	return RouterOf(p)
}
