package provider

import (
	"fmt"

	"github.com/kilnhq/kiln/internal/config"
)

// Registry holds the configured provider adapters.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds adapters for every provider with an API key configured.
func NewRegistry(cfg config.ProvidersConfig) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	if cfg.Anthropic.APIKey != "" {
		r.providers["anthropic"] = NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL)
	}
	if cfg.OpenAI.APIKey != "" {
		r.providers["openai"] = NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	}
	return r
}

// Register adds or replaces a provider. Used by tests to install fakes.
func (r *Registry) Register(p Provider) {
	r.providers[p.ID()] = p
}

// Get returns the provider by ID.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider: %q not configured", id)
	}
	return p, nil
}

// IDs lists configured providers.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
