// Package router maps a model identifier to the execution backend that
// can run it. Foundation-model identifiers carry a vendor prefix and go
// to the managed sandbox; everything else is assumed to be a
// self-hosted model and runs in a local container.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/backend"
)

// managedPrefixes are the vendor namespaces served by the managed
// sandbox. Matching is case-insensitive on the prefix.
var managedPrefixes = []string{
	"anthropic.",
	"amazon.",
	"meta.",
	"mistral.",
	"cohere.",
	"ai21.",
	"deepseek.",
}

// Route returns the backend kind for modelID using the default
// namespace table.
func Route(modelID string) backend.Kind {
	return routeWith(managedPrefixes, modelID)
}

func routeWith(prefixes []string, modelID string) backend.Kind {
	id := strings.ToLower(strings.TrimSpace(modelID))
	for _, prefix := range prefixes {
		if strings.HasPrefix(id, prefix) {
			return backend.KindSandbox
		}
	}
	return backend.KindContainer
}

// Registry holds the configured backend adapters keyed by kind. The
// prefix table may be swapped at runtime on config reload; adapter
// registration happens at startup only.
type Registry struct {
	invokers map[backend.Kind]backend.Invoker

	mu       sync.RWMutex
	prefixes []string
}

func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[backend.Kind]backend.Invoker),
		prefixes: managedPrefixes,
	}
}

// SetManagedPrefixes replaces the default vendor namespace table for
// this registry. Prefixes are matched case-insensitively. An empty
// list keeps the current table.
func (r *Registry) SetManagedPrefixes(prefixes []string) {
	if len(prefixes) == 0 {
		return
	}
	normalized := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	r.mu.Lock()
	r.prefixes = normalized
	r.mu.Unlock()
}

// Register installs an adapter. Later registrations replace earlier
// ones for the same kind.
func (r *Registry) Register(inv backend.Invoker) {
	r.invokers[inv.Kind()] = inv
}

// Lookup returns the adapter for kind.
func (r *Registry) Lookup(kind backend.Kind) (backend.Invoker, error) {
	inv, ok := r.invokers[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %s", kind)
	}
	return inv, nil
}

// For resolves modelID straight to its adapter.
func (r *Registry) For(modelID string) (backend.Invoker, error) {
	r.mu.RLock()
	prefixes := r.prefixes
	r.mu.RUnlock()
	return r.Lookup(routeWith(prefixes, modelID))
}

// Kinds lists the registered backend kinds, sorted for stable output.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.invokers))
	for k := range r.invokers {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}
