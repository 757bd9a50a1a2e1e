package speech

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds an adapter from provider settings.
type Factory func(settings map[string]any) (Adapter, error)

// ProviderRegistry maps provider names to factories.
type ProviderRegistry struct {
	factories map[string]Factory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{factories: make(map[string]Factory)}
}

func (r *ProviderRegistry) Register(name string, factory Factory) {
	r.factories[normalizeName(name)] = factory
}

func (r *ProviderRegistry) Build(name string, settings map[string]any) (Adapter, error) {
	fn := r.factories[normalizeName(name)]
	if fn == nil {
		return nil, fmt.Errorf("speech provider not registered: %s", name)
	}
	return fn(settings)
}

// Names lists registered providers in sorted order.
func (r *ProviderRegistry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
