package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the configured providers and resolves "provider:model"
// selectors from model-change requests.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]LLMProvider
	defaultProvider string
	fallbackChain   []string
}

// NewRegistry creates an empty registry. defaultProvider is returned by
// Resolve("") once registered; fallbackChain lists provider names to try, in
// order, when the selected provider fails with a failover-worthy error.
func NewRegistry(defaultProvider string, fallbackChain []string) *Registry {
	return &Registry{
		providers:       make(map[string]LLMProvider),
		defaultProvider: defaultProvider,
		fallbackChain:   fallbackChain,
	}
}

// Register adds a provider under its Name. Later registrations with the same
// name replace earlier ones.
func (r *Registry) Register(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve parses a "provider" or "provider:model" selector. An empty
// selector resolves to the default provider with no model override. The
// returned model is empty when the selector names only a provider.
func (r *Registry) Resolve(selector string) (LLMProvider, string, error) {
	name, model := selector, ""
	if idx := strings.IndexByte(selector, ':'); idx >= 0 {
		name, model = selector[:idx], selector[idx+1:]
	}
	if name == "" {
		name = r.defaultProvider
	}
	if name == "" {
		return nil, "", fmt.Errorf("no provider selected and no default configured")
	}

	p, ok := r.Get(name)
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q", name)
	}
	return p, model, nil
}

// Fallbacks returns the providers to try after primary, in configured order.
// The primary itself and unregistered names are skipped.
func (r *Registry) Fallbacks(primary string) []LLMProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LLMProvider, 0, len(r.fallbackChain))
	for _, name := range r.fallbackChain {
		if name == primary {
			continue
		}
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
