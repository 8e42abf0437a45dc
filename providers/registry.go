package providers

import (
	"fmt"
	"sync"
)

// Registry manages the adapter instances, their declaration order, and the
// enabled set. Declaration order is fixed so credential detection and model
// collision resolution are reproducible. The broad Gitee key shape
// (30-60 alphanumerics) is detected last to avoid shadowing narrower shapes.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	enabled   map[string]bool
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		enabled:   make(map[string]bool),
	}
}

// Register adds a provider, enabled by default. Order of Register calls is
// the declaration order.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, dup := r.providers[name]; !dup {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
	r.enabled[name] = true
}

// Get returns a provider by name and whether it was found.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// MustGet returns a provider by name or panics if not found.
func (r *Registry) MustGet(name string) Provider {
	p, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("provider not found: %s", name))
	}
	return p
}

// List returns provider names in declaration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetEnabled flips one provider's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		r.enabled[name] = enabled
	}
}

// Enabled reports whether the named provider is enabled.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// EnabledList returns enabled provider names in declaration order.
func (r *Registry) EnabledList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.enabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// DetectProvider returns the first provider, in declaration order, whose
// credential shape matches.
func (r *Registry) DetectProvider(credential string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if r.providers[name].DetectAPIKey(credential) {
			return r.providers[name], true
		}
	}
	return nil, false
}

// IsRecognizedAPIKey reports whether any adapter matches the credential.
func (r *Registry) IsRecognizedAPIKey(credential string) bool {
	_, ok := r.DetectProvider(credential)
	return ok
}

// GetProviderByModel returns the adapter whose supported-model list contains
// model. Collisions resolve enabled-first, then declaration order.
func (r *Registry) GetProviderByModel(model string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var fallback Provider
	for _, name := range r.order {
		p := r.providers[name]
		if !p.SupportsModel(model) {
			continue
		}
		if r.enabled[name] {
			return p, true
		}
		if fallback == nil {
			fallback = p
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// AllModels returns the union of supported models across enabled providers,
// in declaration order, de-duplicated.
func (r *Registry) AllModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, name := range r.order {
		if !r.enabled[name] {
			continue
		}
		for _, m := range r.providers[name].SupportedModels() {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// NewDefaultRegistry builds the registry with every built-in adapter in
// detection order.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewHuggingFace())
	r.Register(NewModelScope())
	r.Register(NewDoubao())
	r.Register(NewPollinations())
	r.Register(NewGitee())
	return r
}
